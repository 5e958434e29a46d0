package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	conversync "github.com/relaydesk/conversync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the live event channel",
	Long:  "Connect to the push event channel and print every event as it arrives. Interrupt to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, local := getEngine(ctx,
			conversync.WithEventObserver(printEvent),
			conversync.WithErrorHandler(func(err error) {
				fmt.Printf("-- error: %v\n", err)
			}),
		)
		defer local.Close()
		defer engine.Close()

		engine.Connection().OnStateChange(func(change conversync.StateChange) {
			if change.Reason != "" {
				fmt.Printf("-- channel %s (%s)\n", change.State, change.Reason)
				return
			}
			fmt.Printf("-- channel %s\n", change.State)
		})

		<-ctx.Done()
		return nil
	},
}

func printEvent(ev conversync.Event) {
	switch ev.Kind {
	case conversync.EventMessage:
		printMessage(ev.Message)
	case conversync.EventPresence:
		fmt.Printf("-- presence: %s is %s\n", ev.Presence.ContactID, ev.Presence.Status)
	case conversync.EventConversationCreated:
		fmt.Printf("-- conversation created: %s (%s)\n", ev.Conversation.ID, ev.Conversation.Kind)
	case conversync.EventLastMessageUpdated:
		fmt.Printf("-- last message in %s: %s\n", ev.LastMessage.ConversationID, ev.LastMessage.Body)
	case conversync.EventMessageEdited:
		fmt.Printf("-- edit in %s: %s\n", ev.Edit.Ref.ConversationID, ev.Edit.Body)
	case conversync.EventMessageDeleted:
		fmt.Printf("-- delete in %s\n", ev.Delete.Ref.ConversationID)
	case conversync.EventAttachmentDeleted:
		fmt.Printf("-- attachment removed in %s\n", ev.Attachment.ConversationID)
	case conversync.EventTyping:
		if ev.Typing.IsTyping {
			fmt.Printf("-- %s is typing in %s\n", ev.Typing.ContactID, ev.Typing.ConversationID)
		}
	}
}
