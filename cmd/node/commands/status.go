package commands

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/orignode/internal/api"
	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/node"
)

const statusTimeout = 5 * time.Second

// NodeStatus is what the status command prints.
type NodeStatus struct {
	Running bool           `json:"running" yaml:"running"`
	Source  string         `json:"source" yaml:"source"`
	Status  string         `json:"status" yaml:"status"`
	Node    *api.NodeInfo  `json:"node,omitempty" yaml:"node,omitempty"`
	Chain   *engine.Status `json:"chain,omitempty" yaml:"chain,omitempty"`
	Error   string         `json:"error,omitempty" yaml:"error,omitempty"`
}

func (a *app) newStatusCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node and chain status",
		Long: `Query the local API of a running node. When no node answers, the chain
database is opened directly and its state is shown instead.

Examples:
  node status
  node status -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.initLogging(false); err != nil {
				return err
			}
			st := a.collectStatus(cmd.Context())
			return printStatus(a.out, output, st)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json|yaml)")
	return cmd
}

func (a *app) collectStatus(ctx context.Context) NodeStatus {
	if ctx == nil {
		ctx = context.Background()
	}
	if st, err := fetchStatus(ctx, node.LocalHost, a.cfg.APIPort); err == nil {
		return st
	}

	st := NodeStatus{Source: "local", Status: api.StatusInactive}
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	lc, err := openLocalChain(lctx, a.cfg)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer lc.Close(lctx)

	chain, err := lc.chain.Status(lctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Chain = chain
	if chain.Active {
		st.Status = api.StatusOK
	}
	return st
}

// fetchStatus asks the running node's API, trying http and then https.
func fetchStatus(ctx context.Context, host string, port int) (NodeStatus, error) {
	client := &http.Client{
		Timeout: statusTimeout,
		Transport: &http.Transport{
			// The node serves a self-signed certificate.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var lastErr error
	for _, scheme := range []string{"http", "https"} {
		url := fmt.Sprintf("%s://%s/status", scheme, addr)
		st, err := getStatus(ctx, client, url)
		if err == nil {
			return st, nil
		}
		lastErr = err
	}
	return NodeStatus{}, lastErr
}

func getStatus(ctx context.Context, client *http.Client, url string) (NodeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NodeStatus{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return NodeStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return NodeStatus{}, fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}

	var body struct {
		Status string           `json:"status"`
		Data   api.StatusReport `json:"data"`
		Error  string           `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return NodeStatus{}, fmt.Errorf("decode status: %w", err)
	}
	info := body.Data.Node
	return NodeStatus{
		Running: true,
		Source:  "api",
		Status:  body.Status,
		Node:    &info,
		Chain:   body.Data.Chain,
		Error:   body.Error,
	}, nil
}

func printStatus(w io.Writer, format string, st NodeStatus) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(st); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		printStatusTable(w, st)
		return nil
	default:
		return fmt.Errorf("invalid output format %q (valid: table, json, yaml)", format)
	}
}

func printStatusTable(w io.Writer, st NodeStatus) {
	pairs := [][2]string{
		{"Running", strconv.FormatBool(st.Running)},
		{"Status", st.Status},
		{"Source", st.Source},
	}
	if n := st.Node; n != nil {
		pairs = append(pairs,
			[2]string{"Node ID", n.NodeID},
			[2]string{"State", n.State},
			[2]string{"Peers", strconv.Itoa(n.Peers)},
			[2]string{"P2P port", strconv.Itoa(n.P2PPort)},
			[2]string{"API port", strconv.Itoa(n.APIPort)},
			[2]string{"TLS", strconv.FormatBool(n.TLS)},
		)
	}
	if c := st.Chain; c != nil {
		pairs = append(pairs,
			[2]string{"Height", strconv.FormatUint(c.Height, 10)},
			[2]string{"Tip", c.TipHash},
			[2]string{"Mempool", strconv.Itoa(c.MempoolSize)},
			[2]string{"Wallets", strconv.Itoa(c.Wallets)},
			[2]string{"Difficulty", strconv.Itoa(int(c.Difficulty))},
			[2]string{"Reward", c.Reward.String()},
			[2]string{"Mining", strconv.FormatBool(c.Mining)},
		)
		if c.Message != "" {
			pairs = append(pairs, [2]string{"Message", c.Message})
		}
	}
	if st.Error != "" {
		pairs = append(pairs, [2]string{"Error", st.Error})
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator(":")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, p := range pairs {
		table.Append([]string{p[0], p[1]})
	}
	table.Render()
}
