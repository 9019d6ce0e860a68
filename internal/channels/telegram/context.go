package telegram

import (
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
)

// messageContext captures the parts of a Telegram message that aren't its
// text but that the agent needs to make sense of it: what it replies to,
// where it was forwarded from, and any location/contact payloads.
type messageContext struct {
	ReplyInfo   *replyInfo
	ForwardFrom string
	Location    string
	Contact     string
}

// replyInfo describes the message being replied to.
type replyInfo struct {
	Sender     string
	Body       string
	IsBotReply bool // reply targets the bot's own message
}

// replyBodyMaxChars truncates quoted reply context.
const replyBodyMaxChars = 400

// buildMessageContext extracts reply/forward/location context from a
// message.
func buildMessageContext(msg *telego.Message, botUsername string) messageContext {
	var mc messageContext

	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		ri := &replyInfo{
			IsBotReply: reply.From.Username == botUsername,
		}
		ri.Sender = reply.From.FirstName
		if reply.From.Username != "" {
			ri.Sender = "@" + reply.From.Username
		}
		body := reply.Text
		if body == "" {
			body = reply.Caption
		}
		if len(body) > replyBodyMaxChars {
			body = body[:replyBodyMaxChars] + "…"
		}
		ri.Body = body
		mc.ReplyInfo = ri
	}

	if origin := msg.ForwardOrigin; origin != nil {
		switch o := origin.(type) {
		case *telego.MessageOriginUser:
			mc.ForwardFrom = o.SenderUser.FirstName
			if o.SenderUser.Username != "" {
				mc.ForwardFrom = "@" + o.SenderUser.Username
			}
		case *telego.MessageOriginHiddenUser:
			mc.ForwardFrom = o.SenderUserName
		case *telego.MessageOriginChat:
			mc.ForwardFrom = o.SenderChat.Title
		case *telego.MessageOriginChannel:
			mc.ForwardFrom = o.Chat.Title
		}
	}

	if msg.Location != nil {
		mc.Location = fmt.Sprintf("%.6f,%.6f", msg.Location.Latitude, msg.Location.Longitude)
	}
	if msg.Contact != nil {
		mc.Contact = strings.TrimSpace(msg.Contact.FirstName + " " + msg.Contact.LastName + " " + msg.Contact.PhoneNumber)
	}

	return mc
}

// enrichContentWithContext prepends bracketed context annotations to the
// message body so the agent sees what the user was reacting to. Replies to
// the bot's own messages are skipped: that context is already in the
// session history.
func enrichContentWithContext(content string, mc messageContext) string {
	var parts []string
	if mc.ForwardFrom != "" {
		parts = append(parts, fmt.Sprintf("[Forwarded from %s]", mc.ForwardFrom))
	}
	if ri := mc.ReplyInfo; ri != nil && !ri.IsBotReply && ri.Body != "" {
		parts = append(parts, fmt.Sprintf("[Replying to %s: %s]", ri.Sender, ri.Body))
	}
	if mc.Location != "" {
		parts = append(parts, fmt.Sprintf("[Location: %s]", mc.Location))
	}
	if mc.Contact != "" {
		parts = append(parts, fmt.Sprintf("[Contact: %s]", mc.Contact))
	}
	if len(parts) == 0 {
		return content
	}
	if content == "" {
		return strings.Join(parts, "\n")
	}
	return strings.Join(parts, "\n") + "\n" + content
}
