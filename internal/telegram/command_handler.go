package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/control"
	"edgecam/internal/database"
)

// Controller is the part of the remote control the chat can drive
type Controller interface {
	StartTimer() error
	StopTimer() error
	RunNow() bool
	ApplyDesiredState(desired control.DesiredState) (control.ReportedState, error)
	Status() control.Status
}

// Update is a Telegram update
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is an incoming chat message
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      *Chat  `json:"chat,omitempty"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// Chat identifies the sender's chat
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler long-polls getUpdates and answers commands from the
// authorized chat only
type CommandHandler struct {
	bot          *Bot
	control      Controller
	history      control.CycleHistory
	logger       *zap.SugaredLogger
	lastUpdateID int64
	pollTimeout  time.Duration
	startTime    time.Time
}

// NewCommandHandler creates a handler. history may be nil.
func NewCommandHandler(bot *Bot, ctrl Controller, history control.CycleHistory, logger *zap.SugaredLogger) *CommandHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CommandHandler{
		bot:         bot,
		control:     ctrl,
		history:     history,
		logger:      logger,
		pollTimeout: 25 * time.Second,
		startTime:   time.Now(),
	}
}

// Run polls until ctx is cancelled
func (ch *CommandHandler) Run(ctx context.Context) error {
	ch.logger.Info("Telegram command handler started")
	backoff := time.Second

	for {
		if err := ch.poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			ch.logger.Warnw("Failed to poll Telegram updates", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		if ctx.Err() != nil {
			break
		}
	}

	ch.logger.Info("Telegram command handler stopped")
	return nil
}

func (ch *CommandHandler) poll(ctx context.Context) error {
	payload := map[string]any{
		"offset":          ch.lastUpdateID + 1,
		"timeout":         int(ch.pollTimeout.Seconds()),
		"allowed_updates": []string{"message"},
	}

	pollCtx, cancel := context.WithTimeout(ctx, ch.pollTimeout+10*time.Second)
	defer cancel()

	result, err := ch.bot.call(pollCtx, "getUpdates", payload)
	if err != nil {
		return err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, u := range updates {
		if u.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = u.UpdateID
		}
		if u.Message != nil {
			ch.handleMessage(ctx, u.Message)
		}
	}
	return nil
}

func (ch *CommandHandler) handleMessage(ctx context.Context, msg *Message) {
	if msg.Chat == nil {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if chatID != ch.bot.ChatID() {
		ch.logger.Warnw("Ignoring message from unauthorized chat", "chat", chatID)
		return
	}

	reply := ch.Handle(ctx, msg.Text)
	if reply == "" {
		return
	}
	if err := ch.bot.SendMessage(ctx, reply); err != nil {
		ch.logger.Warnw("Failed to send reply", "error", err)
	}
}

// Handle executes one command line and returns the reply text
func (ch *CommandHandler) Handle(ctx context.Context, text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}

	parts := strings.Fields(text)
	command := strings.ToLower(parts[0])
	args := parts[1:]
	// strip bot username suffix, e.g. /status@mybot
	if i := strings.Index(command, "@"); i != -1 {
		command = command[:i]
	}

	ch.logger.Infow("Processing command", "command", command)

	switch command {
	case "/start", "/help":
		return ch.handleHelp()
	case "/status":
		return ch.handleStatus()
	case "/timer_start":
		if err := ch.control.StartTimer(); err != nil {
			return "Failed to start timer: " + html.EscapeString(err.Error())
		}
		return "Timer started"
	case "/timer_stop":
		if err := ch.control.StopTimer(); err != nil {
			return "Failed to stop timer: " + html.EscapeString(err.Error())
		}
		return "Timer stopped"
	case "/run":
		if !ch.control.RunNow() {
			return "A cycle is already running"
		}
		return "Cycle started"
	case "/schedule":
		return ch.handleSchedule(args)
	case "/cycles":
		return ch.handleCycles(ctx, args)
	default:
		return fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}
}

func (ch *CommandHandler) handleHelp() string {
	return "<b>Available Commands</b>\n\n" +
		"/status - Scheduler status\n" +
		"/timer_start - Start scheduled cycles\n" +
		"/timer_stop - Stop scheduled cycles\n" +
		"/run - Run one cycle now\n" +
		"/schedule &lt;due&gt; [period] - Change the schedule, - keeps a value\n" +
		"/cycles [limit] - Recent cycles\n" +
		"/help - Show this help"
}

func (ch *CommandHandler) handleStatus() string {
	st := ch.control.Status()

	state := "stopped"
	if st.Running {
		state = "running"
	}
	if st.Busy {
		state += ", cycle in progress"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Status</b>: %s\n", state)
	fmt.Fprintf(&b, "Schedule: due %s, period %s\n", st.Due, st.Period)
	fmt.Fprintf(&b, "Cycles: %d (skipped %d)\n", st.Cycles, st.Skipped)
	if !st.NextRun.IsZero() {
		fmt.Fprintf(&b, "Next run: %s\n", st.NextRun.Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", html.EscapeString(st.LastError))
	}
	fmt.Fprintf(&b, "Uptime: %s", formatDuration(time.Since(ch.startTime)))
	return b.String()
}

func (ch *CommandHandler) handleSchedule(args []string) string {
	if len(args) == 0 || len(args) > 2 {
		return "Usage: /schedule &lt;due&gt; [period]"
	}

	var desired control.DesiredState
	if args[0] != "-" {
		desired.Due = &args[0]
	}
	if len(args) == 2 && args[1] != "-" {
		desired.Period = &args[1]
	}

	applied, err := ch.control.ApplyDesiredState(desired)
	if err != nil {
		return "Schedule rejected: " + html.EscapeString(err.Error())
	}
	return fmt.Sprintf("Schedule applied: due %s, period %s", applied.Due, applied.Period)
}

func (ch *CommandHandler) handleCycles(ctx context.Context, args []string) string {
	if ch.history == nil {
		return "Cycle history is not enabled"
	}

	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}

	cycles, err := ch.history.RecentCycles(ctx, limit)
	if err != nil {
		return "Failed to load cycles: " + html.EscapeString(err.Error())
	}
	if len(cycles) == 0 {
		return "No cycles recorded yet"
	}

	var b strings.Builder
	b.WriteString("<b>Recent cycles</b>\n")
	for _, c := range cycles {
		b.WriteString(formatCycle(c))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatCycle(c database.CycleRecord) string {
	line := fmt.Sprintf("%s %dms", c.StartedAt.Format("2006-01-02 15:04:05"), c.DurationMs)
	switch {
	case c.Error != "":
		line += " failed (" + c.Stage + ")"
	case c.Interesting:
		line += " interesting"
	}
	if total := sum(c.Tally); total > 0 {
		line += fmt.Sprintf(", %d objects", total)
	}
	return line
}

func sum(tally map[string]int) int {
	n := 0
	for _, v := range tally {
		n += v
	}
	return n
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
