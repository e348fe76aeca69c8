// Command gatescan submits a scanned credential payload to a verification
// gateway and prints the admission decision.
//
//	gatescan --gateway gate.example.com '{"contract":"0x...","tokenId":"3","chainId":11155111}'
//	echo '{...}' | gatescan --gateway gate.example.com --dry-run -
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/totegamma/ticketgate"
	"github.com/totegamma/ticketgate/client"
)

func main() {
	gateway := pflag.String("gateway", "localhost:8000", "gateway URL or domain")
	dryRun := pflag.Bool("dry-run", false, "check validity without marking the ticket used")
	timeout := pflag.Duration("timeout", 40*time.Second, "overall request timeout")
	pflag.Parse()

	os.Exit(run(*gateway, *dryRun, *timeout, pflag.Args(), os.Stdin, os.Stdout))
}

func run(gateway string, dryRun bool, timeout time.Duration, args []string, stdin io.Reader, stdout io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gatescan [--gateway host] [--dry-run] <payload|->")
		return 2
	}

	var raw []byte
	if args[0] == "-" {
		b, err := io.ReadAll(io.LimitReader(stdin, 64*1024))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read payload: %v\n", err)
			return 2
		}
		raw = []byte(strings.TrimSpace(string(b)))
	} else {
		raw = []byte(args[0])
	}

	payload, err := ticketgate.DecodeScanPayload(raw)
	if err != nil {
		fmt.Fprintf(stdout, "DENY  InvalidSubmission  %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if !strings.HasPrefix(gateway, "http") && strings.HasPrefix(gateway, "localhost") {
		gateway = "http://" + gateway
	}
	resp, err := client.New(gateway).Verify(ctx, payload, !dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verification failed: %v\n", err)
		return 3
	}

	fmt.Fprintln(stdout, render(resp))
	if !resp.Valid {
		return 1
	}
	return 0
}

func render(resp ticketgate.VerifyResponse) string {
	if resp.Valid {
		var b strings.Builder
		b.WriteString("ADMIT")
		if resp.DryRun {
			b.WriteString(" (dry run)")
		}
		fmt.Fprintf(&b, "  #%s  %s @ %s  owner %s", resp.CredentialID, resp.EventName, resp.EventVenue, resp.Owner)
		if resp.Message != "" {
			fmt.Fprintf(&b, "  %s", resp.Message)
		}
		return b.String()
	}

	reason := resp.Reason
	if reason == "" {
		reason = "Error"
	}
	used := ""
	if resp.Used != nil && *resp.Used {
		used = "  (used)"
	}
	return fmt.Sprintf("DENY  %s  %s%s", reason, resp.Error, used)
}
