package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	pkgmdw "github.com/kellyson520/tg-forwarder/internal/server/middleware"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

type queueStatusOptions struct {
	addr    string
	token   string
	timeout time.Duration
	brief   bool
}

func newQueueStatusCmd() *cobra.Command {
	opts := &queueStatusOptions{}
	cmd := &cobra.Command{
		Use:   "queue-status",
		Short: "Print the queue report of a running instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := fetchQueueStatus(opts)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "http://localhost:8080", "base URL of the admin server")
	f.StringVar(&opts.token, "token", os.Getenv("SERVER_ADMIN_TOKEN"), "admin token")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	f.BoolVar(&opts.brief, "brief", false, "print one summary line instead of the full report")
	return cmd
}

func fetchQueueStatus(opts *queueStatusOptions) ([]byte, error) {
	req := util.NewRestyClient().
		SetTimeout(opts.timeout).
		R()
	if opts.token != "" {
		req.SetHeader(pkgmdw.XAdminToken, opts.token)
	}
	resp, err := req.Get(strings.TrimRight(opts.addr, "/") + "/queue_status")
	if err != nil {
		return nil, fmt.Errorf("request queue status: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("queue status: %s: %s", resp.Status(), gjson.GetBytes(resp.Body(), "error_message").String())
	}

	if opts.brief {
		r := gjson.ParseBytes(resp.Body())
		return fmt.Appendf(nil, "queue %d/%d  tasks pending=%d processing=%d failed=%d  flood_waits=%d  congested=%d\n",
			r.Get("queue.total").Int(),
			r.Get("queue.capacity").Int(),
			r.Get("tasks.pending").Int(),
			r.Get("tasks.processing").Int(),
			r.Get("tasks.failed").Int(),
			len(r.Get("flood_waits").Map()),
			len(r.Get("queue.congested").Array()),
		), nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Body(), "", "  "); err != nil {
		return nil, fmt.Errorf("decode queue status: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
