package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/life-stream-dev/life-stream-mqtt/internal/client"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
	"github.com/spf13/cobra"
)

// clientFlags pub 与 sub 共用的连接参数
type clientFlags struct {
	url       string
	clientID  string
	username  string
	password  string
	topic     string
	qos       int
	keepAlive time.Duration
	timeout   time.Duration
	debug     bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.url, "url", "u", "tcp://localhost:1883", "broker url (tcp://, mqtt://, ws://, wss://)")
	cmd.Flags().StringVarP(&f.clientID, "client-id", "i", "", "client identifier, generated when empty")
	cmd.Flags().StringVar(&f.username, "username", "", "user name")
	cmd.Flags().StringVar(&f.password, "password", "", "password")
	cmd.Flags().StringVarP(&f.topic, "topic", "t", "", "topic name or filter")
	cmd.Flags().IntVarP(&f.qos, "qos", "q", 0, "quality of service (0, 1 or 2)")
	cmd.Flags().DurationVar(&f.keepAlive, "keep-alive", 30*time.Second, "keep alive interval")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "reply wait timeout")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "print packet level logs")
	_ = cmd.MarkFlagRequired("topic")
}

func (f *clientFlags) qosValue() (mqtt.QoS, error) {
	if f.qos < 0 || f.qos > int(mqtt.ExactlyOnce) {
		return 0, fmt.Errorf("invalid qos %d", f.qos)
	}
	return mqtt.QoS(f.qos), nil
}

func (f *clientFlags) dial(ctx context.Context, onMessage client.MessageHandler) (*client.Client, error) {
	logger.Init(logger.Options{Dir: os.TempDir(), Debug: f.debug, Stdout: os.Stderr})
	options := client.Options{
		ClientID:     f.clientID,
		CleanSession: true,
		KeepAlive:    f.keepAlive,
		WaitTimeout:  f.timeout,
		OnMessage:    onMessage,
	}
	if f.username != "" {
		options.Username = &f.username
		options.Password = []byte(f.password)
	}
	return client.Dial(ctx, f.url, options)
}

var (
	pubFlags   clientFlags
	pubRetain  bool
	pubMessage string
)

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish one message",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		qos, err := pubFlags.qosValue()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), pubFlags.timeout*3)
		defer cancel()

		c, err := pubFlags.dial(ctx, nil)
		if err != nil {
			return err
		}
		defer c.Disconnect(context.Background())

		return c.PublishAndWait(ctx, packet.Publish{
			Topic:   pubFlags.topic,
			QoS:     qos,
			Retain:  pubRetain,
			Payload: []byte(pubMessage),
		})
	},
}

var subFlags clientFlags

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Subscribe and print messages until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		qos, err := subFlags.qosValue()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		topicColor := color.New(color.FgCyan).SprintFunc()
		retainColor := color.New(color.FgYellow).SprintFunc()
		c, err := subFlags.dial(ctx, func(p packet.Publish) {
			prefix := topicColor(p.Topic)
			if p.Retain {
				prefix += " " + retainColor("(retained)")
			}
			fmt.Fprintf(out, "%s %s\n", prefix, p.Payload)
		})
		if err != nil {
			return err
		}
		defer c.Disconnect(context.Background())

		codes, err := c.Subscribe(ctx, packet.Subscription{TopicFilter: subFlags.topic, QoS: qos})
		if err != nil {
			return err
		}
		if codes[0] == packet.Failure {
			return fmt.Errorf("subscription to %s rejected", subFlags.topic)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	},
}

func init() {
	pubFlags.register(pubCmd)
	pubCmd.Flags().BoolVarP(&pubRetain, "retain", "r", false, "retain the message")
	pubCmd.Flags().StringVarP(&pubMessage, "message", "m", "", "message payload")
	subFlags.register(subCmd)
}
