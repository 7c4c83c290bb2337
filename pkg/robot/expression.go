package robot

// Emotion names the model may use: hardware-native eye states plus semantic
// aliases that resolve to one.
var validEmotions = map[string]bool{
	"neutral": true, "happy": true, "sad": true, "angry": true,
	"excited": true, "afraid": true, "sleepy": true,
	"side eye L": true, "side eye R": true,
	"greeting": true, "farewell": true, "celebration": true, "apologetic": true,
}

var validIntensities = map[string]bool{
	"low": true, "medium": true, "high": true,
}

var aliasToEyes = map[string]string{
	"greeting":    "happy",
	"farewell":    "happy",
	"celebration": "excited",
	"apologetic":  "sad",
	"side eye L":  "sideeye_left",
	"side eye R":  "sideeye_right",
}

// Expression is a resolved eye state plus an optional gesture.
type Expression struct {
	Eyes    string
	Gesture string
}

// expressionMap holds only the pairs that differ from the default of
// eyes=emotion with no gesture.
var expressionMap = map[[2]string]Expression{
	{"happy", "high"}:         {Eyes: "happy", Gesture: "side_side"},
	{"sad", "high"}:           {Eyes: "sad", Gesture: "bow"},
	{"angry", "high"}:         {Eyes: "angry", Gesture: "side_side"},
	{"excited", "medium"}:     {Eyes: "excited", Gesture: "side_side"},
	{"excited", "high"}:       {Eyes: "excited", Gesture: "excited"},
	{"afraid", "high"}:        {Eyes: "afraid", Gesture: "side_side"},
	{"greeting", "high"}:      {Eyes: "happy", Gesture: "wave_right"},
	{"farewell", "high"}:      {Eyes: "happy", Gesture: "bow"},
	{"celebration", "medium"}: {Eyes: "excited", Gesture: "side_side"},
	{"celebration", "high"}:   {Eyes: "excited", Gesture: "excited"},
	{"apologetic", "high"}:    {Eyes: "sad", Gesture: "bow"},
}

// gestureMovements expands a gesture name into the movement sequence the
// hardware daemon understands.
var gestureMovements = map[string][]string{
	"bow":        {"bow"},
	"side_side":  {"tilt_left", "tilt_right"},
	"wave_right": {"wave_right"},
	"excited":    {"tilt_left", "tilt_right", "tilt_left", "tilt_right"},
}

func ValidEmotion(emotion string) bool { return validEmotions[emotion] }

func ValidIntensity(intensity string) bool { return validIntensities[intensity] }

// ResolveExpression maps an emotion and intensity to eyes plus gesture,
// falling back to eyes-only for unmapped pairs.
func ResolveExpression(emotion, intensity string) Expression {
	if expr, ok := expressionMap[[2]string{emotion, intensity}]; ok {
		return expr
	}
	if eyes, ok := aliasToEyes[emotion]; ok {
		return Expression{Eyes: eyes}
	}
	return Expression{Eyes: emotion}
}

// GestureMovements returns the movement sequence for a gesture name, or the
// name itself as a single movement when it is not a known gesture.
func GestureMovements(gesture string) []string {
	if moves, ok := gestureMovements[gesture]; ok {
		return append([]string(nil), moves...)
	}
	return []string{gesture}
}
