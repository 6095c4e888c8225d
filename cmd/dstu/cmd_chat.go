package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/000haoji/deep-student-sub006/internal/chat"
	"github.com/000haoji/deep-student-sub006/internal/llm"
	"github.com/000haoji/deep-student-sub006/internal/retrieval"
	"github.com/000haoji/deep-student-sub006/internal/tools"
	"github.com/000haoji/deep-student-sub006/internal/workspace"
)

// newChatCmd runs one chat turn with retrieval-augmented context and the
// builtin tools, streaming deltas to stdout.
func newChatCmd(a *app) *cobra.Command {
	var session, workspaceID, model, system string
	var approve bool
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run one chat turn against the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := llm.NewManager(a.cfg, a.secrets, a.usage)

			blocks, err := chat.NewStore(a.mainDB)
			if err != nil {
				return err
			}
			wsStore, err := workspace.NewStore(a.mainDB)
			if err != nil {
				return err
			}
			memStore, err := tools.NewMemoryStore(a.mainDB)
			if err != nil {
				return err
			}

			var retriever *retrieval.Retriever
			if engine, err := a.embedEngine(); err == nil {
				retriever = retrieval.NewRetriever(a.mm, engine, nil, nil, nil)
			}

			reg := tools.NewRegistry()
			reg.Register(tools.NewMemoryExecutor(memStore, reg))
			reg.Register(tools.NewSleepExecutor(workspace.NewSleepManager(wsStore)))
			if retriever != nil {
				reg.Register(tools.NewRetrievalExecutor(retriever))
			}

			p := chat.NewPipeline(manager, blocks, reg, retriever, wsStore, a.cfg.Budget)

			if session == "" {
				session = uuid.NewString()
			}
			res, err := p.RunTurn(cmd.Context(), chat.TurnRequest{
				SessionID:    session,
				WorkspaceID:  workspaceID,
				ModelID:      model,
				SystemPrompt: system,
				UserInput:    strings.Join(args, " "),
				UserApproved: approve,
				CancelKey:    "chat:" + session,
			}, chat.EventSinkFunc(func(ev chat.Event) {
				switch ev.Kind {
				case chat.EvBlockDelta:
					fmt.Print(ev.Delta)
				case chat.EvToolCallStart:
					fmt.Printf("\n[tool %s]\n", ev.ToolName)
				case chat.EvError:
					fmt.Printf("\n[error: %v]\n", ev.Err)
				}
			}))
			if err != nil {
				return err
			}
			fmt.Printf("\n\nsession %s: %d tokens, %d tool hop(s)\n",
				session, res.Usage.TotalTokens, res.ToolHops)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "chat session id (default new)")
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "agent workspace id (enables the sleep tool)")
	cmd.Flags().StringVar(&model, "model", "", "model profile id (default assigned chat model)")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve high-sensitivity tool calls this turn")
	return cmd
}
