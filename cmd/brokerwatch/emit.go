package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"brokerwatch/internal/core"
	"brokerwatch/internal/decoder"
	"brokerwatch/internal/messaging"
)

func newEmitCmd(flags *flagValues) *cobra.Command {
	var (
		severity string
		pkg      string
	)
	cmd := &cobra.Command{
		Use:     "emit <target> <event> [key=value...]",
		Short:   "Publish one synthetic broker event",
		Example: "  brokerwatch emit redis://localhost queueDeclare qName=orders user=guest",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			target, err := core.ParseTarget(args[0], cfg.ConnOptions())
			if err != nil {
				return err
			}
			if _, ok := core.ParseSeverity(severity); !ok {
				return fmt.Errorf("unknown severity %q", severity)
			}
			fields, err := emitFields(severity, pkg, args[1], args[2:], time.Now())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout.Std()+cfg.FetchTimeout.Std())
			defer cancel()
			pub, err := messaging.NewPublisher(ctx, target, cfg.MessagingOptions())
			if err != nil {
				return err
			}
			defer pub.Close()

			address := publishAddress(decoder.EventAddress(target.Transport, cfg.EventAddress), args[1])
			if err := pub.Publish(ctx, address, fields); err != nil {
				return fmt.Errorf("publish to %s: %w", address, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s on %s\n", args[1], address, target.Address())
			return err
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "info", "Event severity name or level 0-7")
	cmd.Flags().StringVar(&pkg, "package", "brokerwatch.emit", "Source tag of the event")
	return cmd
}

// emitFields builds the published fields. Attributes go into a JSON body
// so their order survives the trip.
func emitFields(severity, pkg, event string, kvs []string, now time.Time) (map[string]string, error) {
	var body strings.Builder
	body.WriteByte('{')
	for i, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q is not key=value", kv)
		}
		if i > 0 {
			body.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(v)
		body.Write(kb)
		body.WriteByte(':')
		body.Write(vb)
	}
	body.WriteByte('}')
	return map[string]string{
		"severity":                 severity,
		"package":                  pkg,
		"event":                    event,
		"timestamp":                strconv.FormatInt(now.UnixNano(), 10),
		messaging.FieldBody:        body.String(),
		messaging.FieldContentType: "application/json",
	}, nil
}

// publishAddress turns an MQTT subscription filter into a concrete topic.
func publishAddress(address, event string) string {
	if strings.HasSuffix(address, "#") {
		return strings.TrimSuffix(address, "#") + event
	}
	return strings.ReplaceAll(address, "+", event)
}
