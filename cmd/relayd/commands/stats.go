// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/relayd/pkg/server"
)

var (
	statsPort              int
	useTLS                 bool
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a relayd server",
	Long: `stats queries a relayd server's HTTP port for running stats.

If the host is omitted, the local relayd server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if !useTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. Your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if !cmd.Flags().Changed("port") {
				statsPort = viper.GetInt("http.port")
			}
			statsPassword = viper.GetString("server.statsPassword")
		}
		return getStats(cmd.OutOrStdout(), host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVarP(&statsPort, "port", "P", 6839, "HTTP port of the server to query stats for")
	statsCmd.Flags().BoolVar(&useTLS, "tls", false, "connect over HTTPS, for servers behind a TLS terminating proxy")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")
}

func statsClient() (*http.Client, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	if !useTLS {
		return client, nil
	}

	var certPool *x509.CertPool
	if statsServerCertificate != "" {
		cert, err := os.ReadFile(statsServerCertificate)
		if err != nil {
			return nil, errors.Wrap(err, "Open server certificate")
		}
		certPool = x509.NewCertPool()
		certPool.AppendCertsFromPEM(cert)
	}
	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: skipTLSVerification,
			RootCAs:            certPool,
		},
	}
	return client, nil
}

func getStats(out io.Writer, statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("RELAYD_STATS_PASSWORD")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	client, err := statsClient()
	if err != nil {
		return err
	}

	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	statsAddr := net.JoinHostPort(statsHost, strconv.Itoa(statsPort))
	req, err := http.NewRequest(http.MethodGet, scheme+"://"+statsAddr+"/stats", nil)
	if err != nil {
		return errors.Wrap(err, "Request stats")
	}
	req.SetBasicAuth(server.StatsUser, statsPassword)

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Connect to relayd server")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return errors.New("Server rejected the stats password")
	case http.StatusNotFound:
		return errors.New("Server does not serve stats; set server.statsPassword to enable them")
	default:
		return errors.Errorf("Server returned %s", resp.Status)
	}

	var stats server.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "Get stats response from server")
	}

	// Don't display the default port in the output.
	friendlyAddr := statsHost
	if statsPort != 6839 {
		friendlyAddr = statsAddr
	}
	printStats(out, friendlyAddr, stats)
	return nil
}

func printStats(out io.Writer, addr string, stats server.Stats) {
	fmt.Fprintf(out, `Stats for %s (node %s, %s mode):
Uptime: %s
Number of channels: %d
Max channels: %d on %s

Number of clients: %d
Max clients: %d on %s
`, addr, stats.NodeID, stats.Mode, stats.Uptime,
		stats.NumChannels,
		stats.MaxChannels, stats.MaxChannelsTime,
		stats.NumClients,
		stats.MaxClients, stats.MaxClientsTime)
	if stats.Mode == server.ModeBroker {
		fmt.Fprintf(out, "\nBroker subscriptions: %d\n", stats.BrokerChannels)
	}
}
