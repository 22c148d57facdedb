package commands

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/relayd/pkg/registry"
	"github.com/n0ot/relayd/pkg/server"
)

func TestNewLogger(t *testing.T) {
	viper.Set("log.level", "debug")
	viper.Set("log.format", "json")
	t.Cleanup(viper.Reset)

	log, err := newLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	viper.Set("log.format", "xml")
	_, err = newLogger()
	assert.Error(t, err)
}

func TestGetStats(t *testing.T) {
	want := server.Stats{
		NodeID: "node-1",
		Mode:   server.ModeBroker,
		Stats: registry.Stats{
			Uptime:      time.Hour,
			NumChannels: 2,
			MaxChannels: 3,
			NumClients:  4,
			MaxClients:  5,
		},
		BrokerChannels: 3,
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != server.StatsUser || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(want)
	}))
	defer ts.Close()

	host, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	statsPort, err = strconv.Atoi(port)
	require.NoError(t, err)

	statsPassword = "secret"
	var out bytes.Buffer
	require.NoError(t, getStats(&out, host))
	assert.Contains(t, out.String(), "node node-1, broker mode")
	assert.Contains(t, out.String(), "Number of channels: 2")
	assert.Contains(t, out.String(), "Number of clients: 4")
	assert.Contains(t, out.String(), "Broker subscriptions: 3")

	statsPassword = "wrong"
	assert.Error(t, getStats(&out, host))
}
