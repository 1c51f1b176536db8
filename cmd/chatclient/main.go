package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/auth"
	"github.com/npezzotti/skillswap-chat/internal/client"
	"github.com/npezzotti/skillswap-chat/internal/config"
	"github.com/npezzotti/skillswap-chat/internal/types"
)

const requestTimeout = 10 * time.Second

const help = `commands:
  /list                 list conversations
  /new <userId>         start a conversation with a user
  /open <conversation>  open a conversation
  /close                close the open conversation
  /delete <messageId>   delete one of your messages
  /reconnect            connect again after giving up
  /quit                 exit
anything else is sent to the open conversation`

func main() {
	baseURL := flag.String("url", envOr("CHAT_URL", "http://localhost:8000"), "chat server base URL")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token, issue one with: server token -user N")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := config.NewLogger(os.Stderr, *logLevel, true)

	self, err := auth.UnverifiedUserId(*token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(2)
	}

	out := &console{w: os.Stdout, self: self}

	ctl := client.NewController(logger, &client.WebsocketDialer{URL: websocketURL(*baseURL), Token: *token}, client.Options{
		OnStateChange: func(s client.State) {
			out.printf("* %s", s)
			if s == client.GivingUp {
				out.printf("* could not reach the server, type /reconnect to try again")
			}
		},
	})
	go ctl.Run()
	defer ctl.Close()

	rest := client.NewRestClient(*baseURL, *token, nil)
	sess := client.NewSession(logger, self, ctl, rest)
	go sess.Run()
	defer sess.Stop()

	go out.follow(sess)

	if err := ctl.Connect(); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	if err := sess.Refresh(ctx); err != nil {
		out.printf("! %v", err)
	}
	cancel()

	out.printf("%s", help)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := handleLine(sess, ctl, rest, out, line); err != nil {
			out.printf("! %v", err)
		}
	}
}

func handleLine(sess *client.Session, ctl *client.Controller, rest *client.RestClient, out *console, line string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/list":
		if err := sess.Refresh(ctx); err != nil {
			return err
		}
		v, err := sess.View()
		if err != nil {
			return err
		}
		out.conversations(v)
	case "/new":
		peer, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("usage: /new <userId>")
		}
		conv, err := rest.StartConversation(ctx, peer)
		if err != nil {
			return err
		}
		out.printf("* conversation %s", conv.Id)
		return sess.Open(ctx, conv.Id)
	case "/open":
		if arg == "" {
			return fmt.Errorf("usage: /open <conversation>")
		}
		return sess.Open(ctx, arg)
	case "/close":
		return sess.CloseConversation()
	case "/delete":
		id, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("usage: /delete <messageId>")
		}
		return sess.DeleteMessage(ctx, id)
	case "/reconnect":
		return ctl.Connect()
	case "/help":
		out.printf("%s", help)
	default:
		if strings.HasPrefix(cmd, "/") {
			return fmt.Errorf("unknown command %s, try /help", cmd)
		}
		_, err := sess.SendMessage(line)
		return err
	}

	return nil
}

// console prints transcript changes as they happen.
type console struct {
	mu      sync.Mutex
	w       io.Writer
	self    int
	openId  string
	printed map[string]bool
	typing  string
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *console) follow(sess *client.Session) {
	for {
		select {
		case _, ok := <-sess.Updates():
			if !ok {
				return
			}
			v, err := sess.View()
			if err != nil {
				return
			}
			c.render(v)
		case n := <-sess.Notices():
			c.printf("* %s", n.Text)
		}
	}
}

func (c *console) render(v client.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v.OpenId != c.openId || c.printed == nil {
		c.openId = v.OpenId
		c.printed = make(map[string]bool)
		c.typing = ""
		if v.OpenId != "" {
			fmt.Fprintf(c.w, "== %s ==\n", v.OpenId)
		}
	}

	for _, e := range v.Transcript {
		key := entryKey(e)
		if c.printed[key] {
			continue
		}
		c.printed[key] = true
		fmt.Fprintln(c.w, c.format(e))
	}

	var names []string
	for _, t := range v.Typing {
		names = append(names, t.UserName)
	}
	if typing := strings.Join(names, ", "); typing != c.typing {
		c.typing = typing
		if typing != "" {
			fmt.Fprintf(c.w, "* %s typing...\n", typing)
		}
	}
}

func (c *console) conversations(v client.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(v.Conversations) == 0 {
		fmt.Fprintln(c.w, "no conversations, start one with /new <userId>")
		return
	}
	for _, conv := range v.Conversations {
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Content
		}
		fmt.Fprintf(c.w, "%-12s %-20s unread:%-3d %s\n", conv.Id, c.peerName(conv), conv.UnreadCount, preview)
	}
	fmt.Fprintf(c.w, "total unread: %d\n", v.TotalUnread)
}

func (c *console) peerName(conv types.Conversation) string {
	for _, p := range conv.Participants {
		if p.Id != c.self {
			return p.Username
		}
	}
	return "?"
}

func (c *console) format(e client.Entry) string {
	m := e.Message
	who := m.SenderName
	if m.SenderId == c.self {
		who = "me"
	}

	switch {
	case e.Status == client.Pending:
		return fmt.Sprintf("   %s: %s (sending)", who, m.Content)
	case m.MessageType == types.MessageTypeDeleted:
		return fmt.Sprintf("#%d %s: [%s]", m.Id, who, m.Content)
	default:
		return fmt.Sprintf("#%d %s %s: %s", m.Id, m.Timestamp.Local().Format("15:04"), who, m.Content)
	}
}

// entryKey changes when an entry is confirmed or tombstoned so it prints again.
func entryKey(e client.Entry) string {
	if e.Status == client.Pending {
		return "p:" + e.LocalId
	}
	return fmt.Sprintf("c:%d:%s", e.Message.Id, e.Message.MessageType)
}

func websocketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
