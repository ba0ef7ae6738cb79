package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/easel/core"
	"pkt.systems/easel/internal/appconfig"
	"pkt.systems/easel/internal/render"
	"pkt.systems/easel/internal/transport"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

func newChatCmd() *cobra.Command {
	var cfgPath string
	var agentURL string
	var contextText string
	var plain bool
	var width int
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Talk to the agent from the terminal",
		Long:  "Sends one prompt from the arguments, or reads one prompt per line from stdin, and prints each finished turn.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if agentURL != "" {
				cfg.Agent.URL = agentURL
			}
			term, err := render.NewTerminal(width, plain)
			if err != nil {
				return err
			}
			tr := transport.NewHTTP(toTransportConfig(cfg.Agent), nil)
			store := core.NewStore(tr, core.StoreDeps{Logger: pslog.Ctx(cmd.Context())})
			defer func() { _ = store.Close(context.Background()) }()
			c := &chatSession{store: store, term: term, out: cmd.OutOrStdout(), context: contextText}
			if len(args) > 0 {
				return c.send(cmd.Context(), strings.Join(args, " "))
			}
			return c.loop(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&agentURL, "agent-url", "", "override agent.url")
	cmd.Flags().StringVar(&contextText, "context", "", "context string sent with every prompt")
	cmd.Flags().BoolVar(&plain, "plain", false, "disable colour")
	cmd.Flags().IntVar(&width, "width", 100, "wrap width")
	return cmd
}

// chatSession prints each turn once it is closed. Turns close in order, so a
// counter of printed turns is enough.
type chatSession struct {
	store   *core.Store
	term    *render.Terminal
	out     io.Writer
	context string
	printed int
	gen     uint64
}

func (c *chatSession) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/reset":
			if _, err := c.store.Reset(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.out, "(conversation cleared)")
			continue
		case "/quit", "/exit":
			return nil
		}
		if err := c.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return err
			}
			pslog.Ctx(ctx).Warn("chat run failed", "err", err)
		}
	}
	return scanner.Err()
}

func (c *chatSession) send(ctx context.Context, prompt string) error {
	changes, cancel := c.store.Subscribe()
	defer cancel()
	snap, err := c.store.Start(ctx, core.StartRequest{Prompt: prompt, Context: c.context})
	if err != nil {
		return err
	}
	if snap.Generation != c.gen {
		c.gen = snap.Generation
		c.printed = 0
	}
	for {
		view := c.store.View()
		c.print(view.Turns)
		if !view.Snapshot.Status.Active() {
			if view.Snapshot.Status == schema.RunError && view.Snapshot.Error != "" {
				return errors.New(view.Snapshot.Error)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			if _, err := c.store.Stop(context.Background()); err != nil {
				return err
			}
			c.print(c.store.View().Turns)
			return ctx.Err()
		case <-changes:
		}
	}
}

func (c *chatSession) print(turns []schema.Turn) {
	for c.printed < len(turns) {
		turn := turns[c.printed]
		if turn.Streaming {
			return
		}
		_, _ = fmt.Fprintln(c.out, c.term.Turn(turn))
		c.printed++
	}
}
