// Command demo-cli exercises a running study coordinator.
//
// # Commands
//
// demo: Run a complete three-institution study against the coordinator:
// form the study, fold key shares, commit datasets, then drive one
// computation through full consent, the engine, and threshold
// decryption.
//
//	demo-cli demo --coordinator=http://localhost:8080
//
// status: List the coordinator's studies.
//
//	demo-cli status --coordinator=http://localhost:8080
//
// audit: Print and verify a study's audit chain.
//
//	demo-cli audit --coordinator=http://localhost:8080 --study=<id>
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/securecollab/mpstudy/ledger"
	"github.com/securecollab/mpstudy/server"
	"github.com/securecollab/mpstudy/services"
)

var (
	header  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	fail    = color.New(color.FgRed, color.Bold)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "demo":
		err = runDemo(args)
	case "status":
		err = runStatus(args)
	case "audit":
		err = runAudit(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fail.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: demo-cli <command> [flags]

Commands:
  demo     Run a complete three-institution study scenario
  status   List the coordinator's studies
  audit    Print and verify a study's audit chain

Common flags:
  --coordinator   Coordinator base URL (default http://localhost:8080)`)
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) post(path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *client) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	coordinator := fs.String("coordinator", "http://localhost:8080", "Coordinator base URL")
	fs.Parse(args)

	c := newClient(*coordinator)
	institutions := []string{"hospital-a.example.org", "clinic-b.example.org", "lab-c.example.org"}

	header.Println("== Forming study ==")
	var study server.StudyResponse
	err := c.post("/api/v1/studies", map[string]any{
		"name":               "demo cross-site cohort",
		"description":        "three institutions, t=2 decryption threshold",
		"creator":            institutions[0],
		"threshold_t":        2,
		"threshold_n":        3,
		"allowed_algorithms": []string{"secure_mean", "secure_sum"},
	}, &study)
	if err != nil {
		return err
	}
	fmt.Printf("study %s created (%s)\n", study.ID, study.State)

	for _, inst := range institutions {
		err = c.post("/api/v1/studies/"+study.ID+"/join", map[string]any{
			"institution": inst,
			"key_share":   []byte("demo-key-share-" + inst),
		}, &study)
		if err != nil {
			return err
		}
		fmt.Printf("%s joined (study %s)\n", inst, study.State)
	}
	success.Printf("study active, key fingerprint %s\n\n", study.PublicKeyFingerprint)

	header.Println("== Committing datasets ==")
	for _, inst := range institutions {
		var ds struct {
			CommitmentHash string `json:"commitment_hash"`
		}
		err = c.post("/api/v1/studies/"+study.ID+"/datasets", map[string]any{
			"institution": inst,
			"name":        "encrypted-records",
			"ciphertext":  []byte("demo-ciphertext-" + inst),
		}, &ds)
		if err != nil {
			return err
		}
		fmt.Printf("%s committed dataset %s\n", inst, ds.CommitmentHash[:16])
	}
	fmt.Println()

	header.Println("== Requesting computation ==")
	var job server.JobResponse
	err = c.post("/api/v1/studies/"+study.ID+"/jobs", map[string]any{
		"requester":        institutions[0],
		"algorithm":        "secure_mean",
		"selected_columns": []string{"age", "dosage"},
	}, &job)
	if err != nil {
		return err
	}
	fmt.Printf("job %s requested (%s)\n", job.ID, job.State)

	jobPath := fmt.Sprintf("/api/v1/studies/%s/jobs/%s", study.ID, job.ID)
	for _, inst := range institutions {
		if err := c.post(jobPath+"/approve", map[string]any{"institution": inst}, &job); err != nil {
			return err
		}
		fmt.Printf("%s approved (%d/3, state %s)\n", inst, job.Approvals, job.State)
	}

	for i := 0; job.State == "computing" && i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if err := c.get(jobPath, &job); err != nil {
			return err
		}
	}
	if job.State != "awaiting_decryption" {
		return fmt.Errorf("job did not finish computing: state %s, reason %q", job.State, job.FailureReason)
	}
	success.Printf("computation done, result commitment %s\n\n", job.ResultCommitment[:16])

	header.Println("== Threshold decryption (t=2) ==")
	for _, inst := range institutions[:2] {
		err = c.post(jobPath+"/decryption-share", map[string]any{
			"institution": inst,
			"share":       []byte("demo-decryption-share-" + inst),
		}, &job)
		if err != nil {
			return err
		}
		fmt.Printf("%s submitted share (%d/2, state %s)\n", inst, job.DecryptionShares, job.State)
	}
	if job.State != "completed" {
		return fmt.Errorf("job did not complete: state %s", job.State)
	}
	success.Printf("result released: %s\n\n", string(job.Result))

	return verifyAudit(c, study.ID)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	coordinator := fs.String("coordinator", "http://localhost:8080", "Coordinator base URL")
	fs.Parse(args)

	c := newClient(*coordinator)
	var studies []server.StudyResponse
	if err := c.get("/api/v1/studies", &studies); err != nil {
		return err
	}
	if len(studies) == 0 {
		warn.Println("no studies")
		return nil
	}
	for _, s := range studies {
		fmt.Printf("%s  %-24s  %s  t=%d n=%d\n", s.ID, s.Name, s.State, s.ThresholdT, s.ThresholdN)
	}
	return nil
}

func runAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	coordinator := fs.String("coordinator", "http://localhost:8080", "Coordinator base URL")
	studyID := fs.String("study", "", "Study id")
	fs.Parse(args)

	if *studyID == "" {
		return fmt.Errorf("--study is required")
	}

	c := newClient(*coordinator)
	var audit struct {
		Entries []*ledger.Entry `json:"entries"`
	}
	if err := c.get("/api/v1/studies/"+*studyID+"/audit", &audit); err != nil {
		return err
	}
	for _, e := range audit.Entries {
		fmt.Printf("%4d  %-28s  %-26s  %s\n", e.Sequence, e.ActionType, e.Actor, e.EntryHash[:16])
	}
	return verifyAudit(c, *studyID)
}

func verifyAudit(c *client, studyID string) error {
	header.Println("== Verifying audit chain ==")
	var report ledger.Report

	if err := c.get("/api/v1/studies/"+studyID+"/audit/verify", &report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("audit chain broken at sequence %d", *report.BrokenAt)
	}
	success.Printf("chain valid, %d entries\n", report.Entries)

	var full services.ProtocolReport
	if err := c.get("/api/v1/studies/"+studyID+"/report", &full); err != nil {
		return err
	}
	fmt.Printf("genesis %s, head %s\n", full.Audit.GenesisHash[:16], full.Audit.HeadHash[:16])
	return nil
}
