package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "template":
		runTemplate(os.Args[2:])
	case "agent":
		runAgent(os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: labctl <run|template|agent|audit> [...]")
}

func runRun(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: labctl run <submit|status|dispatch|stop|watch|sessions|artifacts> [...]")
		os.Exit(1)
	}
	switch args[0] {
	case "submit":
		runSubmit(args[1:])
	case "status":
		runByIDGet(args[1:], "status", "")
	case "sessions":
		runByIDGet(args[1:], "sessions", "/sessions")
	case "artifacts":
		runByIDGet(args[1:], "artifacts", "/artifacts")
	case "dispatch":
		runByIDPost(args[1:], "dispatch", "/dispatch", nil)
	case "stop":
		runStop(args[1:])
	case "watch":
		runWatch(args[1:])
	default:
		fmt.Fprintln(os.Stderr, "usage: labctl run <submit|status|dispatch|stop|watch|sessions|artifacts> [...]")
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("run submit", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "controller URL")
	templateID := fs.String("template", "", "template id")
	classroom := fs.String("classroom", "", "classroom id")
	student := fs.String("student", "", "student id")
	tenant := fs.String("tenant", "", "tenant id")
	gradeBand := fs.String("grade-band", "", "grade band")
	maxAttempts := fs.Int("max-attempts", 0, "max attempts, 0 for unbounded")
	dispatchNow := fs.Bool("dispatch", false, "dispatch immediately after submit")
	_ = fs.Parse(args)

	if *templateID == "" || *classroom == "" || *student == "" {
		fatalf("--template, --classroom and --student are required")
	}
	body := map[string]any{
		"template_id":  *templateID,
		"classroom_id": *classroom,
		"student_id":   *student,
	}
	if *tenant != "" {
		body["tenant_id"] = *tenant
	}
	if *gradeBand != "" {
		body["grade_band"] = *gradeBand
	}
	if *maxAttempts > 0 {
		body["max_attempts"] = *maxAttempts
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	doJSON(http.MethodPost, *url+"/v1/runs", body, &resp)
	fmt.Println(resp.RunID)

	if *dispatchNow {
		var out json.RawMessage
		doJSON(http.MethodPost, *url+"/v1/runs/"+resp.RunID+"/dispatch", nil, &out)
		printJSON(out)
	}
}

func runByIDGet(args []string, name, suffix string) {
	fs := flag.NewFlagSet("run "+name, flag.ExitOnError)
	url := fs.String("url", defaultURL(), "controller URL")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("run id is required")
	}
	var out json.RawMessage
	doJSON(http.MethodGet, *url+"/v1/runs/"+fs.Arg(0)+suffix, nil, &out)
	printJSON(out)
}

func runByIDPost(args []string, name, suffix string, body any) {
	fs := flag.NewFlagSet("run "+name, flag.ExitOnError)
	url := fs.String("url", defaultURL(), "controller URL")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("run id is required")
	}
	var out json.RawMessage
	doJSON(http.MethodPost, *url+"/v1/runs/"+fs.Arg(0)+suffix, body, &out)
	printJSON(out)
}

func runStop(args []string) {
	fs := flag.NewFlagSet("run stop", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "controller URL")
	reason := fs.String("reason", "stopped by operator", "stop reason")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("run id is required")
	}
	var out json.RawMessage
	doJSON(http.MethodPost, *url+"/v1/runs/"+fs.Arg(0)+"/stop", map[string]string{"reason": *reason}, &out)
	printJSON(out)
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("run watch", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "controller URL")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("run id is required")
	}
	req, err := http.NewRequest(http.MethodGet, *url+"/v1/runs/"+fs.Arg(0)+"/stream", nil)
	if err != nil {
		fatalf("new request: %v", err)
	}
	setAuth(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fatalf("stream failed: status=%d body=%s", resp.StatusCode, string(b))
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		fmt.Println(line)
	}
}

func runTemplate(args []string) {
	if len(args) < 1 || args[0] != "register" {
		fmt.Fprintln(os.Stderr, "usage: labctl template register --name N --notebook-url URL [...]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("template register", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "controller URL")
	name := fs.String("name", "", "template name")
	notebookURL := fs.String("notebook-url", "", "notebook content URL")
	checksum := fs.String("checksum", "", "notebook checksum")
	packages := fs.String("packages", "", "requested packages, e.g. pip=numpy|pandas,npm=lodash")
	_ = fs.Parse(args[1:])
	if *notebookURL == "" {
		fatalf("--notebook-url is required")
	}
	body := map[string]any{
		"name":         *name,
		"notebook_url": *notebookURL,
	}
	if *checksum != "" {
		body["notebook_checksum"] = *checksum
	}
	if manifest := parsePackages(*packages); len(manifest) > 0 {
		body["requested_packages"] = manifest
	}
	var resp struct {
		TemplateID string `json:"template_id"`
	}
	doJSON(http.MethodPost, *url+"/v1/templates", body, &resp)
	fmt.Println(resp.TemplateID)
}

func runAgent(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: labctl agent <list|trust> [...]")
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("agent list", flag.ExitOnError)
		url := fs.String("url", defaultURL(), "controller URL")
		classroom := fs.String("classroom", "", "filter by classroom id")
		_ = fs.Parse(args[1:])
		path := *url + "/v1/agents"
		if *classroom != "" {
			path += "?classroom_id=" + *classroom
		}
		var out json.RawMessage
		doJSON(http.MethodGet, path, nil, &out)
		printJSON(out)
	case "trust":
		fs := flag.NewFlagSet("agent trust", flag.ExitOnError)
		url := fs.String("url", defaultURL(), "controller URL")
		level := fs.String("level", "trusted", "trust level: untrusted|trusted|privileged")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fatalf("agent id is required")
		}
		var out json.RawMessage
		doJSON(http.MethodPost, *url+"/v1/agents/"+fs.Arg(0)+"/trust", map[string]string{"trust_level": *level}, &out)
		printJSON(out)
	default:
		fmt.Fprintln(os.Stderr, "usage: labctl agent <list|trust> [...]")
		os.Exit(1)
	}
}

func runAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "controller URL")
	action := fs.String("action", "", "filter by action")
	tenant := fs.String("tenant", "", "filter by tenant")
	limit := fs.Int("limit", 50, "max events")
	_ = fs.Parse(args)
	path := fmt.Sprintf("%s/v1/admin/audit?limit=%d", *url, *limit)
	if *action != "" {
		path += "&action=" + *action
	}
	if *tenant != "" {
		path += "&tenant=" + *tenant
	}
	var out json.RawMessage
	doJSON(http.MethodGet, path, nil, &out)
	printJSON(out)
}

func parsePackages(raw string) map[string][]string {
	out := map[string][]string{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		manager := strings.TrimSpace(parts[0])
		var pkgs []string
		for _, p := range strings.Split(parts[1], "|") {
			if p = strings.TrimSpace(p); p != "" {
				pkgs = append(pkgs, p)
			}
		}
		if manager != "" && len(pkgs) > 0 {
			out[manager] = pkgs
		}
	}
	return out
}

func doJSON(method, url string, reqBody any, respBody any) {
	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			fatalf("marshal request: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		fatalf("new request: %v", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setAuth(req)
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		fatalf("%s %s failed: status=%d body=%s", method, url, resp.StatusCode, string(b))
	}
	if respBody != nil {
		if err := json.Unmarshal(b, respBody); err != nil {
			fatalf("decode response: %v", err)
		}
	}
}

func setAuth(req *http.Request) {
	if token := strings.TrimSpace(os.Getenv("LABCOORD_TOKEN")); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func defaultURL() string {
	if v := strings.TrimSpace(os.Getenv("LABCOORD_URL")); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
