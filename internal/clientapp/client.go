package clientapp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fr3shw3b/realtime-client/internal/applog"
	"github.com/fr3shw3b/realtime-client/pkg/config"
	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/fr3shw3b/realtime-client/pkg/realtime"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Params struct {
	ServerHost string
	ServerPort int
	// ClientID overrides the configured client id.
	ClientID string
}

type session struct {
	client *realtime.Realtime
	logger *logrus.Logger
	conf   *config.ClientConfig
}

func connect(params *Params) (*session, error) {
	err := godotenv.Load(".env.client")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal("Failed to load environment variables: ", err)
	}

	conf, err := config.LoadForClient()
	if err != nil {
		log.Fatal("Failed to load configuration for client: ", err)
	}

	logger := applog.New(conf.LogLevel)

	clientID := conf.ClientID
	if params.ClientID != "" {
		clientID = params.ClientID
	}
	if clientID == "" {
		clientID = "cli-" + uuid.NewString()
	}

	client, err := realtime.NewRealtime(&realtime.ClientOptions{
		Key:                      conf.Key,
		Token:                    conf.Token,
		ClientID:                 clientID,
		RealtimeHost:             params.ServerHost,
		Port:                     params.ServerPort,
		FallbackHosts:            conf.FallbackHosts,
		TLS:                      conf.TLS,
		NoEcho:                   conf.NoEcho,
		NoQueueing:               conf.NoQueueing,
		RealtimeRequestTimeout:   conf.RealtimeRequestTimeout,
		DisconnectedRetryTimeout: conf.DisconnectedRetryTimeout,
		SuspendedRetryTimeout:    conf.SuspendedRetryTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	client.Connection.OnAll(func(change realtime.ConnectionStateChange) {
		if change.Reason != nil {
			fmt.Printf("connection %s: %s\n", change.Current, change.Reason.Message)
			return
		}
		fmt.Printf("connection %s\n", change.Current)
	})
	return &session{client: client, logger: logger, conf: conf}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.RealtimeRequestTimeout)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		s.logger.Warn("client did not close cleanly: ", err)
	}
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Subscribe prints messages published to channel until interrupted. An
// empty name subscribes to every message.
func Subscribe(params *Params, channelName string, name string) error {
	s, err := connect(params)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := interruptContext()
	defer cancel()

	channel := s.client.Channels.Get(channelName)
	printMessage := func(msg *protocol.Message) {
		fmt.Printf("[%s] %s from %s: %v\n", formatTimestamp(msg.Timestamp), msg.Name, msg.ClientID, msg.Data)
	}
	if name == "" {
		_, err = channel.SubscribeAll(ctx, printMessage)
	} else {
		_, err = channel.Subscribe(ctx, name, printMessage)
	}
	if err != nil {
		return err
	}
	fmt.Printf("subscribed to %s, press Ctrl+C to stop\n", channelName)
	<-ctx.Done()
	return nil
}

// Publish sends one message and waits for it to be acknowledged.
func Publish(params *Params, channelName string, name string, data string) error {
	s, err := connect(params)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.conf.RealtimeRequestTimeout)
	defer cancel()

	if err := s.client.Channels.Get(channelName).Publish(ctx, name, data); err != nil {
		return err
	}
	fmt.Printf("published %s to %s\n", name, channelName)
	return nil
}

// Presence prints the members of a channel. With enterData set the client
// enters first. With watch set it keeps printing changes until interrupted.
func Presence(params *Params, channelName string, enterData string, watch bool) error {
	s, err := connect(params)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := interruptContext()
	defer cancel()

	presence := s.client.Channels.Get(channelName).Presence()
	if enterData != "" {
		if err := presence.Enter(ctx, enterData); err != nil {
			return err
		}
	}

	members, err := presence.Get(ctx)
	if err != nil {
		return err
	}
	printMembers(channelName, members)
	if !watch {
		return nil
	}

	_, err = presence.SubscribeAll(ctx, func(msg *protocol.PresenceMessage) {
		fmt.Printf("[%s] %s %s (%s): %v\n", formatTimestamp(msg.Timestamp), msg.Action, msg.ClientID, msg.ConnectionID, msg.Data)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Ping measures the round trip of a heartbeat.
func Ping(params *Params, count int) error {
	s, err := connect(params)
	if err != nil {
		return err
	}
	defer s.close()

	for i := 0; i < count; i += 1 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.conf.RealtimeRequestTimeout)
		rtt, err := s.client.Connection.Ping(ctx)
		cancel()
		if err != nil {
			return err
		}
		fmt.Printf("heartbeat %d: %s\n", i+1, rtt)
	}
	return nil
}

func printMembers(channelName string, members []*protocol.PresenceMessage) {
	fmt.Printf("Presence on %s\n____________\n\n", channelName)
	if len(members) == 0 {
		fmt.Println("no members present")
	}
	for _, member := range members {
		fmt.Printf("%s (%s): %v\n", member.ClientID, member.ConnectionID, member.Data)
	}
	fmt.Println()
}

func formatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Format(time.RFC3339)
}
