package router

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	kit "groupwatch/internal/transport"
	rtsup "groupwatch/internal/runtime/supervisor"
	logx "groupwatch/pkg/logx"
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
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Actor   string // display name of the sender, for audit
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
	Adapter kit.Adapter
}

// Reply sends HTML text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// ActivityFunc receives every group message. It must not block.
type ActivityFunc func(chatID int64, at time.Time) bool

type CommandManager struct {
	mu       sync.RWMutex
	commands map[string]*Command
	alias    map[string]*Command
	owners   []int64

	log      logx.Logger
	adapter  kit.Adapter
	activity ActivityFunc

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
	menu sync.Once
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, activity ActivityFunc) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		commands: map[string]*Command{},
		alias:    map[string]*Command{},
		owners:   append([]int64(nil), owners...),
		log:      log,
		adapter:  adapter,
		activity: activity,
		jobs:     make(chan func(), 64),
	}
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue reports false when the queue is full or already closed.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetCommands replaces the command table. /help is always added.
func (m *CommandManager) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Access:      AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})

	byName := make(map[string]*Command, len(cmds))
	alias := map[string]*Command{}
	for i := range cmds {
		c := &cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
	}
	for _, c := range byName {
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" && byName[sa] == nil {
				alias[sa] = c
			}
		}
	}

	m.mu.Lock()
	m.commands = byName
	m.alias = alias
	m.mu.Unlock()
}

func (m *CommandManager) lookup(word string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.commands[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

func (m *CommandManager) sortedCommands() []*Command {
	m.mu.RLock()
	out := make([]*Command, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SyncMenu pushes the command list to the platform menu when the adapter
// supports it.
func (m *CommandManager) SyncMenu(ctx context.Context) error {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(cctx, buildMenuCommands(m.sortedCommands()))
}

// DispatchLoop consumes updates until ctx ends or updates is closed. Group
// messages are reported as activity first; commands then run on a small
// worker pool so a slow handler never delays activity ingestion.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	const workers = 2

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	m.menu.Do(func() {
		sup.Go0("telegram.menu.update", func(c context.Context) {
			if err := m.SyncMenu(c); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		})
	})

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		sup.Cancel()
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
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

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil {
		return
	}
	if (msg.IsGroup || msg.IsChannel) && !msg.Outgoing && m.activity != nil {
		at := msg.At
		if at.IsZero() {
			at = time.Now()
		}
		m.activity(msg.ChatID, at)
	}
	// Channel posts have no sender to authorize.
	if msg.IsChannel {
		return
	}

	parts := tokenizeCommandLine(strings.TrimSpace(msg.Text))
	if len(parts) == 0 {
		return
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, found := m.lookup(word)
	owner := m.isOwner(msg.FromID)
	if !found {
		// Stay quiet in groups; monitored chats see many foreign commands.
		if owner && !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !owner {
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		}
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Actor:   actorName(msg),
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWReplyError(),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func actorName(msg *kit.Message) string {
	switch {
	case msg.FromUsername != "":
		return "@" + msg.FromUsername
	case msg.FromName != "":
		return msg.FromName
	default:
		return strconv.FormatInt(msg.FromID, 10)
	}
}
