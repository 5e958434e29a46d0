package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	conversync "github.com/relaydesk/conversync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// contacts
	contactsJSON bool

	// send
	sendMediaURL  string
	sendMediaType string
	sendMediaName string

	// rooms create
	roomsCreateParticipants string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(convs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		shown := 0
		for _, c := range convs {
			if conversationsUnread && c.Unread == 0 {
				continue
			}
			shown++
			title := c.Title
			if title == "" && c.Kind == conversync.KindPairwise {
				title = c.Counterpart.DisplayName
			}
			unread := ""
			if c.Unread > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.Unread)
			}
			last := ""
			if c.LastBody != "" {
				last = " - " + c.LastBody
			}
			fmt.Printf("  %s: %s%s%s\n", c.ID, title, unread, last)
		}
		if shown == 0 {
			fmt.Println("No conversations found.")
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.MessageHistory(ctx, conversationID, messagesLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range msgs {
			printMessage(msg)
		}
		return nil
	},
}

func printMessage(msg *conversync.Message) {
	when := msg.Timestamp.Local().Format("2006-01-02 15:04:05")
	body := msg.Body
	if msg.Deleted {
		body = "(deleted)"
	}
	suffix := ""
	if msg.Edited {
		suffix = " (edited)"
	}
	if msg.Attachment != nil {
		suffix += fmt.Sprintf(" [%s: %s]", msg.Attachment.Kind, msg.Attachment.Name)
	}
	fmt.Printf("[%s] %s: %s%s\n", when, msg.Author.DisplayName, body, suffix)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <body>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, body := args[0], args[1]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req := &conversync.SendMessageRequest{Body: body}
		if sendMediaURL != "" {
			req.MediaURL = sendMediaURL
			req.MediaType = sendMediaType
			req.MediaName = sendMediaName
		}

		msg, err := client.SendMessage(ctx, conversationID, req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Message sent to %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Body:       %s\n", msg.Body)
		return nil
	},
}

// ============================================================================
// contacts
// ============================================================================

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts with presence",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		contacts, err := client.ListContacts(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if contactsJSON {
			b, _ := json.MarshalIndent(contacts, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(contacts) == 0 {
			fmt.Println("No contacts found.")
			return nil
		}

		for _, c := range contacts {
			fmt.Printf("  %s (%s) - %s\n", c.DisplayName, c.ID, c.Status)
		}
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Conversation %s marked as read.\n", conversationID)
		return nil
	},
}

// ============================================================================
// rooms (parent command)
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Manage rooms",
	Long:  "Create and leave multi-party rooms.",
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req := &conversync.CreateRoomRequest{Title: title}
		if roomsCreateParticipants != "" {
			for _, p := range strings.Split(roomsCreateParticipants, ",") {
				p = strings.TrimSpace(p)
				if p != "" {
					req.Participants = append(req.Participants, p)
				}
			}
		}

		conv, err := client.CreateRoom(ctx, req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Room created: %s\n", conv.ID)
		fmt.Printf("  Title:        %s\n", conv.Title)
		fmt.Printf("  Participants: %d\n", len(conv.Participants))
		return nil
	},
}

var roomsLeaveCmd = &cobra.Command{
	Use:   "leave <room-id>",
	Short: "Leave a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.LeaveRoom(ctx, roomID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Left room %s.\n", roomID)
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Maximum number of messages to return")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	contactsCmd.Flags().BoolVar(&contactsJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendMediaURL, "media-url", "", "Attachment URL")
	sendCmd.Flags().StringVar(&sendMediaType, "media-type", "", "Attachment kind (image, video, audio, file)")
	sendCmd.Flags().StringVar(&sendMediaName, "media-name", "", "Attachment display name")

	roomsCreateCmd.Flags().StringVar(&roomsCreateParticipants, "participants", "", "Comma-separated list of contact IDs")

	roomsCmd.AddCommand(roomsCreateCmd)
	roomsCmd.AddCommand(roomsLeaveCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(roomsCmd)
}
