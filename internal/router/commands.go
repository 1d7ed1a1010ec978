package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/add146/pendaftaran-sub000/internal/runtime/supervisor"
	kit "github.com/add146/pendaftaran-sub000/internal/transport"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Flags   map[string]string
	Bools   map[string]bool
	ReqID   string
	Logger  logx.Logger

	sender kit.Sender
}

// Reply sends plain text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Actor names the requester in the audit trail.
func (r *Request) Actor() string {
	return "telegram:" + strconv.FormatInt(r.FromID, 10)
}

// Manager routes operator commands from the chat transport to handlers on
// a bounded worker pool.
type Manager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command // name and aliases
	list   []Command
	owners []int64

	log    logx.Logger
	sender kit.Sender

	jobs chan func()
}

func NewManager(log logx.Logger, sender kit.Sender, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cmds:   map[string]*Command{},
		owners: append([]int64(nil), owners...),
		log:    log,
		sender: sender,
		jobs:   make(chan func(), 64),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetCommands replaces the registry. /help is always added.
func (m *Manager) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText())
		},
	})

	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		c.Name = sanitizeCommand(c.Name)
		if c.Name == "" || c.Handle == nil {
			continue
		}
		list = append(list, c)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	byName := make(map[string]*Command, len(list))
	for i := range list {
		byName[list[i].Name] = &list[i]
	}
	// Aliases never shadow a real command name.
	for i := range list {
		for _, a := range list[i].Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, exists := byName[a]; !exists {
					byName[a] = &list[i]
				}
			}
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.list = list
	m.mu.Unlock()
}

// MenuCommands builds the Telegram /menu entries.
func (m *Manager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.list))
	for _, c := range m.list {
		desc := strings.TrimSpace(strings.ReplaceAll(c.Description, "\n", " "))
		if desc == "" {
			desc = c.Name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}

// UpdateMenu pushes MenuCommands when the sender supports it.
func (m *Manager) UpdateMenu(ctx context.Context) {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, m.MenuCommands()); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

func (m *Manager) helpText() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range m.list {
		b.WriteString("/" + c.Name)
		if c.Usage != "" {
			b.WriteString(" " + c.Usage)
		}
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := supervisor.New(ctx, supervisor.WithLogger(m.log), supervisor.WithCancelOnError(false))
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.Go0("command.worker."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job := <-m.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) route(root context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd, found := m.cmds[word]
	m.mu.RUnlock()
	if !found {
		_, _ = m.sender.SendText(root, chat, "unknown command. try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		m.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name))
		_, _ = m.sender.SendText(root, chat, "unauthorized", nil)
		return
	}

	pos, flags, bools := parseFlags(parts[1:])
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		Flags:   flags,
		Bools:   bools,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		sender: m.sender,
	}

	final := Chain(cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWReplyError(),
		MWTimeout(cmd.Timeout),
	)
	select {
	case m.jobs <- func() { _ = final(root, req) }:
	default:
		_, _ = m.sender.SendText(root, chat, "busy, try again", nil)
	}
}
