package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("%d:%d", t.ChatID, t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

var ErrBadAddress = errors.New("bad chat address")

// ParseChatTarget parses a broadcast target address of the form
// "<chat_id>" or "<chat_id>:<thread_id>". Channel usernames ("@name") are
// not resolvable without a network call and are rejected.
func ParseChatTarget(addr string) (ChatTarget, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ChatTarget{}, fmt.Errorf("%w: empty", ErrBadAddress)
	}
	chatPart, threadPart, hasThread := strings.Cut(addr, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}
	out := ChatTarget{ChatID: chatID}
	if hasThread {
		tid, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || tid < 0 {
			return ChatTarget{}, fmt.Errorf("%w: bad thread in %q", ErrBadAddress, addr)
		}
		out.ThreadID = tid
	}
	return out, nil
}

// Sender is the outbound half of an Adapter. Deliverers and progress
// observers only need this.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
