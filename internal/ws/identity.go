package ws

import (
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/rivo/uniseg"
)

// maxNameLength caps display names, counted in grapheme clusters so an
// emoji or a CJK character is one visible character.
const maxNameLength = 24

// nameRejectedText is the message the bundled web app shows verbatim.
const nameRejectedText = "名字无效或太长"

// palette holds the user colors. Order is significant: picks are indexed
// through randIntN so they stay stable under a stubbed generator.
var palette = [...]string{
	"#ef4444", "#f97316", "#f59e0b", "#84cc16", "#10b981",
	"#06b6d4", "#3b82f6", "#6366f1", "#8b5cf6", "#d946ef",
}

var randIntN = rand.Intn

func randomColor() string {
	return palette[randIntN(len(palette))]
}

// initialName is the throwaway handle given to a brand-new session.
func initialName() string {
	return uuid.NewString()[:6]
}

var mobileMarkers = []string{"mobile", "android", "iphone", "ipad", "ipod"}

// deviceClass buckets a User-Agent into the two classes the web app renders.
func deviceClass(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, marker := range mobileMarkers {
		if strings.Contains(ua, marker) {
			return "mobile"
		}
	}
	return "desktop"
}

func validName(name string) bool {
	return name != "" && uniseg.GraphemeClusterCount(name) <= maxNameLength
}
