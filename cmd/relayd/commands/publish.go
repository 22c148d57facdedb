package commands

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/relayd/pkg/model"
)

var (
	publishHost string
	publishPort int
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish <channel> <event> [data]",
	Short: "Publish an event to a channel",
	Long: `publish connects to a relayd server as a client and publishes one event.

data must be JSON; it defaults to null.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := model.Event{Name: args[1]}
		if len(args) > 2 {
			ev.Data = json.RawMessage(args[2])
		}
		record, err := json.Marshal(model.PublishRecord(args[0], ev))
		if err != nil {
			return errors.Wrap(err, "Encode record")
		}
		if _, err := model.ParseInstruction(record); err != nil {
			return err
		}

		if !cmd.Flags().Changed("port") {
			publishPort = viper.GetInt("port")
		}
		addr := net.JoinHostPort(publishHost, strconv.Itoa(publishPort))
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			return errors.Wrap(err, "Connect to relayd server")
		}
		defer conn.Close()

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := conn.Write(append(record, '\n')); err != nil {
			return errors.Wrap(err, "Send record")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %q to %s\n", ev.Name, args[0])
		return nil
	},
}

func init() {
	RootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVarP(&publishHost, "host", "H", "127.0.0.1", "host of the relayd server")
	publishCmd.Flags().IntVarP(&publishPort, "port", "P", 6838, "TCP port of the relayd server\n    If unset, the local server's port is used.")
}
