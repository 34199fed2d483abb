package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("METERING_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}
	apiKey := os.Getenv("METERING_API_KEY")

	switch os.Args[1] {
	case "status":
		cmdStatus(gateway, apiKey)
	case "dlq":
		cmdDLQ(gateway, apiKey)
	case "recover":
		cmdRecover(gateway, apiKey)
	case "killswitch":
		cmdKillSwitch(gateway, apiKey)
	case "credits":
		cmdCredits(gateway, apiKey)
	case "version":
		fmt.Printf("meterctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Metering gateway operator CLI v` + version + `

Usage: meterctl <command> [flags]

Commands:
  status       Show gateway readiness (WAL, DLQ, limiter, breakers)
  dlq          Show dead-letter depth, or force a replay pass
  recover      Rebuild a tenant's budget counter from its ledger
  killswitch   List, activate, or revive provider kill switches
  credits      Inspect or grant a wallet's credit account
  version      Print version
  help         Show this help

Environment:
  METERING_GATEWAY_URL   Gateway URL (default: http://localhost:8080)
  METERING_API_KEY       API key for authentication

Examples:
  meterctl status
  meterctl dlq replay
  meterctl recover --tenant acme
  meterctl killswitch kill --target openai/gpt-x --reason "billing anomaly" --ttl 600
  meterctl killswitch revive --target openai/gpt-x
  meterctl credits grant --wallet 0xabc --unlocked 1000`)
}

// ----------------------------------------------------------------
// status command
// ----------------------------------------------------------------

func cmdStatus(gateway, apiKey string) {
	resp, code, err := doRequest("GET", gateway+"/healthz", nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var report map[string]interface{}
	json.Unmarshal(resp, &report)

	fmt.Printf("Status:   %v (HTTP %d)\n", report["status"], code)
	if w, ok := report["wal"].(map[string]interface{}); ok {
		fmt.Printf("WAL:      seq=%v segments=%v pressure=%v\n",
			w["head_seq"], w["segment_count"], w["pressure"])
	}
	if d, ok := report["dlq"].(map[string]interface{}); ok {
		fmt.Printf("DLQ:      depth=%v poison=%v oldest_age=%vs\n",
			d["depth"], d["poison_depth"], d["oldest_age_seconds"])
	}
	if rl, ok := report["rate_limiter"].(string); ok {
		fmt.Printf("Limiter:  %s\n", rl)
	}
	if b, ok := report["breakers"].(map[string]interface{}); ok {
		for name, state := range b {
			fmt.Printf("Breaker:  %-14s %v\n", name, state)
		}
	}
	if ks, ok := report["kill_switch"].([]interface{}); ok && len(ks) > 0 {
		for _, rec := range ks {
			r := rec.(map[string]interface{})
			fmt.Printf("Killed:   %v (%v)\n", r["target"], r["reason"])
		}
	}
}

// ----------------------------------------------------------------
// dlq command
// ----------------------------------------------------------------

func cmdDLQ(gateway, apiKey string) {
	path, method := "/admin/dlq", "GET"
	if len(os.Args) > 2 && os.Args[2] == "replay" {
		path, method = "/admin/dlq/replay", "POST"
	}

	resp, _, err := doRequest(method, gateway+path, nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var h map[string]interface{}
	json.Unmarshal(resp, &h)
	fmt.Printf("Depth:       %v\nPoison:      %v\nOldest age:  %vs\n",
		h["depth"], h["poison_depth"], h["oldest_age_seconds"])
}

// ----------------------------------------------------------------
// recover command
// ----------------------------------------------------------------

func cmdRecover(gateway, apiKey string) {
	tenant := flagValue("--tenant")
	if tenant == "" {
		fmt.Fprintln(os.Stderr, "Usage: meterctl recover --tenant <tenant-id>")
		os.Exit(1)
	}

	resp, code, err := doRequest("POST", gateway+"/admin/recover/"+tenant, nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Recovery failed (HTTP %d): %s\n", code, resp)
		os.Exit(1)
	}

	var report map[string]interface{}
	json.Unmarshal(resp, &report)
	if rc, ok := report["recompute"].(map[string]interface{}); ok {
		fmt.Printf("Entries:      %v\nDuplicates:   %v\nTotal micro:  %v\n",
			rc["total_entries"], rc["duplicates_removed"], rc["total_cost_micro"])
	}
	fmt.Printf("Counter set:  %v\n", report["store_set"])
}

// ----------------------------------------------------------------
// killswitch command
// ----------------------------------------------------------------

func cmdKillSwitch(gateway, apiKey string) {
	sub := "list"
	if len(os.Args) > 2 {
		sub = os.Args[2]
	}

	switch sub {
	case "list":
		resp, _, err := doRequest("GET", gateway+"/admin/killswitch", nil, apiKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		var records []map[string]interface{}
		json.Unmarshal(resp, &records)
		if len(records) == 0 {
			fmt.Println("No active kill switches.")
			return
		}
		fmt.Printf("%-24s %-30s %s\n", "TARGET", "REASON", "BY")
		for _, r := range records {
			fmt.Printf("%-24v %-30v %v\n", r["target"], r["reason"], r["triggered_by"])
		}

	case "kill":
		target := flagValue("--target")
		if target == "" {
			fmt.Fprintln(os.Stderr, "Usage: meterctl killswitch kill --target <t> [--reason <r>] [--ttl <seconds>]")
			os.Exit(1)
		}
		ttl, _ := strconv.ParseInt(flagValue("--ttl"), 10, 64)
		body, _ := json.Marshal(map[string]interface{}{
			"target":       target,
			"reason":       flagValue("--reason"),
			"triggered_by": "meterctl",
			"ttl_seconds":  ttl,
		})
		resp, code, err := doRequest("POST", gateway+"/admin/killswitch", body, apiKey)
		if err != nil || code != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Activation failed (HTTP %d): %s %v\n", code, resp, err)
			os.Exit(1)
		}
		fmt.Printf("Killed %s\n", target)

	case "revive":
		target := flagValue("--target")
		if target == "" {
			fmt.Fprintln(os.Stderr, "Usage: meterctl killswitch revive --target <t>")
			os.Exit(1)
		}
		_, code, err := doRequest("DELETE", gateway+"/admin/killswitch/"+target, nil, apiKey)
		if err != nil || code != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Revive failed (HTTP %d): %v\n", code, err)
			os.Exit(1)
		}
		fmt.Printf("Revived %s\n", target)

	default:
		fmt.Fprintln(os.Stderr, "Usage: meterctl killswitch <list|kill|revive>")
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// credits command
// ----------------------------------------------------------------

func cmdCredits(gateway, apiKey string) {
	sub := ""
	if len(os.Args) > 2 {
		sub = os.Args[2]
	}
	wallet := flagValue("--wallet")
	if wallet == "" {
		fmt.Fprintln(os.Stderr, "Usage: meterctl credits <show|grant> --wallet <w> [--allocated <cu>] [--unlocked <cu>]")
		os.Exit(1)
	}

	switch sub {
	case "show", "":
		resp, code, err := doRequest("GET", gateway+"/admin/credits/"+wallet, nil, apiKey)
		if err != nil || code != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Lookup failed (HTTP %d): %v\n", code, err)
			os.Exit(1)
		}
		printAccount(resp)

	case "grant":
		allocated, _ := strconv.ParseInt(flagValue("--allocated"), 10, 64)
		unlocked, _ := strconv.ParseInt(flagValue("--unlocked"), 10, 64)
		body, _ := json.Marshal(map[string]int64{"allocated": allocated, "unlocked": unlocked})
		resp, code, err := doRequest("POST", gateway+"/admin/credits/"+wallet+"/grant", body, apiKey)
		if err != nil || code != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Grant failed (HTTP %d): %s %v\n", code, resp, err)
			os.Exit(1)
		}
		printAccount(resp)

	default:
		fmt.Fprintln(os.Stderr, "Usage: meterctl credits <show|grant> --wallet <w>")
		os.Exit(1)
	}
}

func printAccount(resp []byte) {
	var acct map[string]interface{}
	json.Unmarshal(resp, &acct)
	fmt.Printf("Allocated:  %v\nUnlocked:   %v\nReserved:   %v\nConsumed:   %v\nExpired:    %v\n",
		acct["allocated"], acct["unlocked"], acct["reserved"], acct["consumed"], acct["expired"])
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func flagValue(name string) string {
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func doRequest(method, url string, body []byte, apiKey string) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}
