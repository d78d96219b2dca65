package trigger

import (
	"strconv"
	"strings"
	"time"
)

// Template time formats used for the {time} and {date} placeholders.
const (
	timeFormat = "15:04"
	dateFormat = "02.01.2006"
)

// RenderContext supplies the values substituted into response templates.
type RenderContext struct {
	UserID      string
	ChatID      string
	TriggerText string
	Now         time.Time
	RandomInt   int // expected in [1,100]
}

// RenderText substitutes template placeholders with context values in a
// single pass. Unknown placeholders are left verbatim, and substituted
// values are never re-expanded, so template output cannot inject further
// placeholders.
func RenderText(template string, rc RenderContext) string {
	replacer := strings.NewReplacer(
		"{user_id}", rc.UserID,
		"{chat_id}", rc.ChatID,
		"{trigger_text}", rc.TriggerText,
		"{time}", rc.Now.Format(timeFormat),
		"{date}", rc.Now.Format(dateFormat),
		"{random}", strconv.Itoa(rc.RandomInt),
	)
	return replacer.Replace(template)
}
