package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"realtime-chat/internal/chat"
	"realtime-chat/internal/domain"
)

const chatHelp = `Commands:
  /users [query]  list other users, optionally filtered
  /open <n>       chat with user n from the last /users list
  /convs          list your conversations
  /c <n>          open conversation n from the last /convs list
  /logout         sign out and quit
  /quit           quit
Anything else is sent to the open conversation.
`

func NewChatCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := withContext(cmd)
			client, _, err := opts.connect()
			if err != nil {
				return err
			}
			self, err := client.CurrentUser(ctx)
			if err != nil {
				return err
			}
			if self == nil {
				return ErrNotLoggedIn
			}

			shell := chat.NewShell(client, *self, opts.logger())
			defer shell.Close()
			if err := shell.Start(ctx); err != nil {
				return err
			}

			loggedOut, err := RunChat(ctx, shell, cmd.InOrStdin(), cmd.OutOrStdout())
			if loggedOut {
				if err := RemoveCredentials(opts.CredentialsFile); err != nil {
					opts.logger().Warn("remove credentials failed", zap.Error(err))
				}
			}
			return err
		},
	}
}

// repl conecta la entrada de texto con el shell y reimprime el panel cuando cambia.
type repl struct {
	shell *chat.Shell
	out   io.Writer
	now   func() time.Time

	mu      sync.Mutex
	last    string
	visible []domain.Profile
	convs   []domain.ConversationSummary
}

// RunChat procesa comandos hasta /quit, /logout o fin de la entrada. Devuelve true si el
// usuario cerro sesion.
func RunChat(ctx context.Context, shell *chat.Shell, in io.Reader, out io.Writer) (bool, error) {
	r := &repl{shell: shell, out: out, now: time.Now}
	shell.OnChange(r.refresh)
	defer shell.OnChange(nil)

	r.print(chatHelp)
	r.listUsers("")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		done, loggedOut := r.handle(ctx, line)
		if done {
			return loggedOut, nil
		}
	}
	return false, scanner.Err()
}

func (r *repl) handle(ctx context.Context, line string) (done, loggedOut bool) {
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false, false
	}
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/help":
		r.print(chatHelp)
	case "/users":
		r.listUsers(arg)
	case "/open":
		r.openUser(ctx, arg)
	case "/convs":
		r.listConversations(ctx)
	case "/c":
		r.openConversation(ctx, arg)
	case "/logout":
		if err := r.shell.SignOut(ctx); err != nil {
			r.printf("sign out: %v\n", err)
		}
		r.print("Signed out.\n")
		return true, true
	case "/quit", "/exit":
		return true, false
	default:
		r.printf("unknown command %s, try /help\n", command)
	}
	return false, false
}

func (r *repl) send(ctx context.Context, text string) {
	err := r.shell.Session.Send(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrNoConversation):
		r.print("Open a conversation first (/users, /open <n>).\n")
	case errors.Is(err, chat.ErrSendInFlight):
		r.print("Still sending the previous message.\n")
	case errors.Is(err, chat.ErrEmptyMessage):
	default:
		r.printf("send failed: %v\n", err)
	}
}

func (r *repl) listUsers(query string) {
	r.shell.Directory.SetQuery(query)
	visible := r.shell.Directory.Visible()
	r.mu.Lock()
	r.visible = visible
	r.mu.Unlock()
	r.print(chat.RenderDirectory(visible))
}

func (r *repl) openUser(ctx context.Context, arg string) {
	r.mu.Lock()
	visible := r.visible
	r.mu.Unlock()
	i, ok := pick(arg, len(visible))
	if !ok {
		r.print("usage: /open <n> with n from the /users list\n")
		return
	}
	if _, err := r.shell.SelectPeer(ctx, visible[i]); err != nil {
		r.printf("could not open conversation: %v\n", err)
	}
}

func (r *repl) listConversations(ctx context.Context) {
	if err := r.shell.Conversations.Load(ctx); err != nil {
		r.printf("load conversations: %v\n", err)
		return
	}
	items := r.shell.Conversations.Items()
	r.mu.Lock()
	r.convs = items
	r.mu.Unlock()
	r.print(chat.RenderConversationList(items))
}

func (r *repl) openConversation(ctx context.Context, arg string) {
	r.mu.Lock()
	convs := r.convs
	r.mu.Unlock()
	i, ok := pick(arg, len(convs))
	if !ok {
		r.print("usage: /c <n> with n from the /convs list\n")
		return
	}
	if err := r.shell.SelectConversation(ctx, convs[i]); err != nil {
		r.printf("could not open conversation: %v\n", err)
	}
}

// refresh reimprime el panel solo si el texto cambio.
func (r *repl) refresh() {
	st := r.shell.State()
	if st.View == chat.ViewEmpty && st.Err == nil {
		return
	}
	text := chat.RenderSession(st, r.shell.Session.Snapshot(), r.shell.Self.ID, r.now())
	if st.View == chat.ViewEmpty && st.Err != nil {
		text = fmt.Sprintf("(error: %v)\n", st.Err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if text == r.last {
		return
	}
	r.last = text
	fmt.Fprint(r.out, "\n"+text)
}

func (r *repl) print(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, s)
}

func (r *repl) printf(format string, args ...any) {
	r.print(fmt.Sprintf(format, args...))
}

func pick(arg string, n int) (int, bool) {
	i, err := strconv.Atoi(arg)
	if err != nil || i < 1 || i > n {
		return 0, false
	}
	return i - 1, true
}

