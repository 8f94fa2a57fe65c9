// ABOUTME: Localized notices the router sends to chat users
// ABOUTME: Ships English and Korean presets; config may override any single message

package router

import "strings"

// Notices are the fixed messages sent on conversation lifecycle events.
type Notices struct {
	Greeting        string
	Failure         string
	NewConversation string
	ProcessingError string
	Closure         string
	Welcome         string
}

var presets = map[string]Notices{
	"en": {
		Greeting:        "Hi! This is the IT helpdesk. An agent will be with you shortly. 🙂",
		Failure:         "Sorry, we couldn't connect you to an agent. Please try again in a moment.",
		NewConversation: "Your previous conversation was closed, so a new one has been started. 🙂",
		ProcessingError: "Sorry, something went wrong while processing your message.",
		Closure:         "✅ This conversation has been closed. Send a message any time to start a new one.",
		Welcome:         "Hi! Send a message here and an IT helpdesk agent will get back to you.",
	},
	"ko": {
		Greeting:        "안녕하세요! IT 헬프데스크입니다. 상담원이 곧 연결됩니다. 🙂",
		Failure:         "죄송합니다. 상담 연결에 실패했습니다. 잠시 후 다시 시도해 주세요.",
		NewConversation: "이전 상담이 종료되어 새로운 상담이 시작되었습니다. 🙂",
		ProcessingError: "죄송합니다. 메시지 처리 중 오류가 발생했습니다.",
		Closure:         "✅ 상담이 종료되었습니다. 새로운 문의가 있으시면 메시지를 보내주세요.",
		Welcome:         "안녕하세요! IT 헬프데스크입니다. 문의하실 내용을 메시지로 보내주세요.",
	},
}

// DefaultLocale is used for unknown locales
const DefaultLocale = "en"

// DefaultNotices returns the preset for locale, falling back to English.
// Region suffixes are ignored, so "ko-KR" selects the Korean preset.
func DefaultNotices(locale string) Notices {
	lang := strings.ToLower(locale)
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	if n, ok := presets[lang]; ok {
		return n
	}
	return presets[DefaultLocale]
}

// Merge returns n with every non-empty field of overrides applied.
func (n Notices) Merge(overrides Notices) Notices {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&n.Greeting, overrides.Greeting)
	set(&n.Failure, overrides.Failure)
	set(&n.NewConversation, overrides.NewConversation)
	set(&n.ProcessingError, overrides.ProcessingError)
	set(&n.Closure, overrides.Closure)
	set(&n.Welcome, overrides.Welcome)
	return n
}

// Locales lists the built-in presets.
func Locales() []string {
	return []string{"en", "ko"}
}
