package recovery

import "strings"

type Emotion int

// Declaration order is the tie-break order for keyword scoring.
const (
	Happy Emotion = iota
	Excited
	Helpful
	Thoughtful
	Curious
	Friendly
	Professional
	Creative
	Encouraging
	Neutral
)

type emotionInfo struct {
	name      string
	thumbnail string
	emoji     string
	color     RGB
	keywords  []string
}

var emotions = [...]emotionInfo{
	Happy: {
		name: "happy", thumbnail: "happy", emoji: "😊", color: RGB{255, 215, 0},
		keywords: []string{"feliz", "genial", "excelente", "perfecto", "increíble", "😊", "🎉"},
	},
	Excited: {
		name: "excited", thumbnail: "excited", emoji: "🎉", color: RGB{255, 69, 0},
		keywords: []string{"emocionante", "fantástico", "asombroso", "wow", "guau", "🚀", "⭐"},
	},
	Helpful: {
		name: "helpful", thumbnail: "explaining", emoji: "🤝", color: RGB{0, 191, 255},
		keywords: []string{"ayuda", "puedo ayudar", "aquí tienes", "te explico", "💡", "🤝"},
	},
	Thoughtful: {
		name: "thoughtful", thumbnail: "thinking", emoji: "🤔", color: RGB{138, 43, 226},
		keywords: []string{"considera", "piensa", "reflexiona", "analiza", "🤔", "💭"},
	},
	Curious: {
		name: "curious", thumbnail: "curious", emoji: "🔍", color: RGB{255, 20, 147},
		keywords: []string{"interesante", "dime más", "cuéntame", "explícame", "❓", "🔍"},
	},
	Friendly: {
		name: "friendly", thumbnail: "friendly", emoji: "👋", color: RGB{50, 205, 50},
		keywords: []string{"hola", "saludos", "encantado", "un placer", "👋", "😄"},
	},
	Professional: {
		name: "professional", thumbnail: "professional", emoji: "💼", color: RGB{25, 25, 112},
		keywords: []string{"servicio", "trabajo", "proyecto", "empresa", "negocio", "💼", "👔"},
	},
	Creative: {
		name: "creative", thumbnail: "creative", emoji: "🎨", color: RGB{186, 85, 211},
		keywords: []string{"diseño", "arte", "creatividad", "idea", "innovador", "🎨", "✨"},
	},
	Encouraging: {
		name: "encouraging", thumbnail: "thumbs_up", emoji: "💪", color: RGB{34, 139, 34},
		keywords: []string{"puedes", "lograrás", "adelante", "ánimo", "éxito", "💪", "🌟"},
	},
	Neutral: {
		name: "neutral", thumbnail: "pointing", emoji: "🤖", color: RGB{128, 128, 128},
	},
}

// SafeDefaults are drawn from when no keyword matches.
var SafeDefaults = []Emotion{Helpful, Friendly, Professional, Neutral}

func (e Emotion) info() emotionInfo {
	if e < Happy || e > Neutral {
		return emotions[Neutral]
	}
	return emotions[e]
}

func (e Emotion) String() string    { return e.info().name }
func (e Emotion) Thumbnail() string { return e.info().thumbnail }
func (e Emotion) Emoji() string     { return e.info().emoji }
func (e Emotion) Color() RGB        { return e.info().color }

// ScoreEmotion returns the category with the most keyword hits in text
// (case-insensitive substring match). Ties go to the earlier category. ok is
// false when nothing matched.
func ScoreEmotion(text string) (best Emotion, ok bool) {
	lower := strings.ToLower(text)
	bestScore := 0
	for e := Happy; e < Neutral; e++ {
		score := 0
		for _, kw := range emotions[e].keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	if bestScore == 0 {
		return Neutral, false
	}
	return best, true
}

// Thumbnails lists the thumbnail names the catalogue knows, in declaration
// order without duplicates.
func Thumbnails() []string {
	seen := make(map[string]bool, len(emotions))
	out := make([]string, 0, len(emotions))
	for _, info := range emotions {
		if !seen[info.thumbnail] {
			seen[info.thumbnail] = true
			out = append(out, info.thumbnail)
		}
	}
	return out
}
