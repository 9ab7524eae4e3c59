package generator

import "github.com/bestZwei/AIBC/internal/segment"

// Broadcast phrases used when the chat service cannot produce content.
const (
	phraseIntroFallback      = "欢迎收听%s，我是%s，这里是AI广播电台。我们将为您带来精彩内容，敬请收听。"
	phraseGenericFallback    = "欢迎继续收听我们的节目，我是%s。让我们继续欣赏今天的内容。"
	phraseTransitionFallback = "接下来，让我们继续我们的节目。"
	phraseInviteFallback     = "欢迎听众朋友们提问，我们很期待与您互动。"
	phraseTopicFallback      = "接下来为您带来%s内容。"
	phraseErrorFallback      = "很抱歉，节目出现了一点小状况，我们马上回来。"

	phraseQuestionDeferred = "%s：感谢您的问题，“%s”。\n%s：我们将在稍后为您解答，请继续收听我们的节目。"
	phraseQuestionWrapper  = "%s：感谢您的问题，“%s”，这是一个很有趣的问题。\n%s：是的，让我来回答这个问题。%s"
)

const (
	promptInvite = "你们是AI广播电台\"%s\"的两位主播。请由%s(%s)和%s(%s)进行一段简短的对话，鼓励听众提问或分享观点。" +
		"每句对话以\"%s：\"或\"%s：\"开头，语气友好，总长度不超过150字。"
	promptTransition = "你们是AI广播电台\"%s\"的两位主播。请由%s(%s)和%s(%s)进行一段简短的过渡对话，自然地把节目引向下一个话题。" +
		"每句对话以\"%s：\"或\"%s：\"开头，总长度不超过100字。"
)

var typeDisplayNames = map[segment.Type]string{
	"news":                      "新闻",
	"story":                     "故事",
	"science":                   "科普",
	"chat":                      "闲聊",
	"interview":                 "访谈",
	"discussion":                "讨论",
	segment.TypeIntro:           "节目介绍",
	segment.TypeTransition:      "过渡",
	segment.TypeUserInteraction: "听众互动",
}

func displayName(t segment.Type) string {
	if name, ok := typeDisplayNames[t]; ok {
		return name
	}
	return string(t)
}
