package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/kadirpekel/toolbridge/pkg/bridge"
	"github.com/kadirpekel/toolbridge/pkg/conversation"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// ChatCmd runs an interactive session against the configured model.
type ChatCmd struct {
	Stream bool `default:"true" negatable:"" help:"Stream responses (use --no-stream to disable)."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := startApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	return runChat(ctx, a.bridge, os.Stdin, os.Stdout, interactive, c.Stream)
}

func runChat(ctx context.Context, b *bridge.Orchestrator, in io.Reader, out io.Writer, interactive, stream bool) error {
	if interactive {
		fmt.Fprintf(out, "Chatting with %s (%d tools). Commands:\n", b.Conversation().Backend().ModelName(), len(b.Tools()))
		fmt.Fprintln(out, "  /quit or /exit  end the session")
		fmt.Fprintln(out, "  /clear          clear history, keeping the system prompt")
		fmt.Fprintln(out, "  /system <text>  replace the system prompt")
		fmt.Fprintln(out, "  /history        show the conversation")
		fmt.Fprintln(out, "  /tools          list available tools")
		fmt.Fprintln(out)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := chatCommand(b, out, input); quit {
				return nil
			}
			continue
		}

		if err := chatTurn(ctx, b, out, input, stream); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		fmt.Fprintln(out)
	}
}

func chatCommand(b *bridge.Orchestrator, out io.Writer, input string) bool {
	cmd, arg, _ := strings.Cut(input, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/clear":
		b.ClearHistory(true)
		fmt.Fprintln(out, "History cleared")
	case "/system":
		b.UpdateSystemPrompt(strings.TrimSpace(arg))
		fmt.Fprintln(out, "System prompt updated")
	case "/history":
		for _, msg := range b.History() {
			label := string(msg.Role)
			if msg.Role == protocol.RoleTool {
				label += ":" + msg.ToolName
			}
			fmt.Fprintf(out, "[%s] %s\n", label, msg.Content)
		}
	case "/tools":
		for _, schema := range b.Tools() {
			fmt.Fprintf(out, "%s (%d functions) %s\n", schema.Name, len(schema.Functions), schema.Description)
		}
	default:
		fmt.Fprintf(out, "Unknown command: %s\n", cmd)
	}
	return false
}

func chatTurn(ctx context.Context, b *bridge.Orchestrator, out io.Writer, input string, stream bool) error {
	if !stream {
		answer, err := b.SendPrompt(ctx, input)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, answer)
		return nil
	}

	return b.StreamPrompt(ctx, input, conversation.StreamHandlers{
		OnContent: func(delta string) {
			fmt.Fprint(out, delta)
		},
		OnToolCall: func(call protocol.ToolCall) {
			fmt.Fprintf(out, "\n[calling %s.%s]\n", call.ToolName, call.FunctionName)
		},
		OnComplete: func(string) {
			fmt.Fprintln(out)
		},
	})
}
