package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// ClientFunc лениво создаёт Client (конфигурация читается при запуске команды).
type ClientFunc func() (*Client, error)

// OutputFunc создаёт Output после разбора флагов.
type OutputFunc func() *Output

// NewPublishCmd создаёт команду разовой публикации.
func NewPublishCmd(clientFn ClientFunc, outputFn OutputFunc) *cobra.Command {
	var count int
	var source string
	var routingKey string

	cmd := &cobra.Command{
		Use:   "publish [PAYLOAD]",
		Short: "Publish one or more messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			payload := client.cfg.Payload
			if len(args) == 1 {
				payload = args[0]
			}
			if source == "" {
				source = client.cfg.Source
			}

			results, err := client.Publish(cmd.Context(), payload, source, routingKey, count)
			if err != nil {
				return err
			}

			failed := 0
			headers := []string{"SEQ", "EXCHANGE", "ROUTING_KEY", "STATUS"}
			rows := make([][]string, len(results))
			for i, r := range results {
				status := "published"
				if r.Error != "" {
					status = r.Error
					failed++
				}
				exchange := r.Exchange
				if exchange == "" {
					exchange = "(default)"
				}
				rows[i] = []string{strconv.FormatInt(r.SequenceNumber, 10), exchange, r.RoutingKey, status}
			}
			out.Print(headers, rows, results)

			if failed > 0 {
				return fmt.Errorf("%d of %d messages failed to publish", failed, len(results))
			}
			out.Success(fmt.Sprintf("Published %d message(s)", len(results)))
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "Number of messages")
	cmd.Flags().StringVar(&source, "source", "", "Source identifier (default: MESSAGE_SOURCE)")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "Override routing key")

	return cmd
}

// NewQueueCmd создаёт группу команд для очереди.
func NewQueueCmd(clientFn ClientFunc, outputFn OutputFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the queue",
	}

	cmd.AddCommand(
		newQueueStatsCmd(clientFn, outputFn),
		newQueuePurgeCmd(clientFn, outputFn),
	)

	return cmd
}

func newQueueStatsCmd(clientFn ClientFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ready messages and consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			info, err := client.QueueStats(cmd.Context())
			if err != nil {
				return err
			}

			out.Print(
				[]string{"QUEUE", "MESSAGES", "CONSUMERS"},
				[][]string{{info.Name, strconv.Itoa(info.Messages), strconv.Itoa(info.Consumers)}},
				info,
			)
			return nil
		},
	}
}

func newQueuePurgeCmd(clientFn ClientFunc, outputFn OutputFunc) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete all ready messages from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}

			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			n, err := client.Purge(cmd.Context())
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(map[string]int{"purged": n})
			}
			out.Success(fmt.Sprintf("Purged %d message(s) from %s", n, client.cfg.QueueName))
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm purge")

	return cmd
}

// NewTopologyCmd создаёт команду, которая объявляет топологию и печатает её.
func NewTopologyCmd(clientFn ClientFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Declare and describe the queue topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			topo, err := client.DeclareTopology(cmd.Context())
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(topo)
				return nil
			}
			out.Text(topo.Describe())
			return nil
		},
	}
}

// NewJournalCmd создаёт группу команд для журнала.
func NewJournalCmd(clientFn ClientFunc, outputFn OutputFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the consumed message journal (requires DB_URL)",
	}

	cmd.AddCommand(newJournalListCmd(clientFn, outputFn))

	return cmd
}

func newJournalListCmd(clientFn ClientFunc, outputFn OutputFunc) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recently consumed messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			messages, err := client.Journal(cmd.Context(), limit)
			if err != nil {
				return err
			}

			headers := []string{"MESSAGE_ID", "SEQ", "SOURCE", "PAYLOAD", "REDELIVERED", "CONSUMED"}
			rows := make([][]string, len(messages))
			for i, m := range messages {
				rows[i] = []string{
					m.MessageID,
					strconv.FormatInt(m.SequenceNumber, 10),
					m.Source,
					m.Payload,
					strconv.FormatBool(m.Redelivered),
					m.ConsumedAt.Format(time.RFC3339),
				}
			}

			out.Print(headers, rows, messages)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")

	return cmd
}
