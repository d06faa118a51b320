package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/chat"
	"github.com/TobiSchelling/vera/internal/report"
	"github.com/TobiSchelling/vera/internal/search"
	"github.com/TobiSchelling/vera/internal/session"
)

const shellHelp = `Commands:
  search <device name>       search by device name
  code <product code>        search by product code
  downloads <n>              documents to download per search (0 = search only)
  recalled on|off            keep recalled devices in results
  list                       show the current results
  toggle <k-number>          select or deselect one device
  all with|without           select or deselect a whole partition
  clear                      deselect everything
  enrich                     extract IFU for the selected devices
  show <k-number>            show a device's IFU and analysis
  statement <text>           set your device's intended use
  analyze <k-number>         compare the statement with one predicate
  analyze-all                compare the statement with every extracted predicate
  chat <message>             ask the assistant (Ctrl+C stops the reply)
  ask <k-number> <message>   ask about one predicate, with its IFU as context
  export <file.xlsx>         write the review to a workbook
  transcript <file.html> [k-number]
                             write a chat transcript
  help                       show this help
  quit                       leave`

type shell struct {
	sess *session.Session
	in   *bufio.Scanner
	out  io.Writer

	params    api.SearchParams
	statement string

	mu      sync.Mutex
	printed map[string]string
	watched map[*chat.Conversation]bool
}

func newShell(sess *session.Session, in io.Reader, out io.Writer) *shell {
	sh := &shell{
		sess:    sess,
		in:      bufio.NewScanner(in),
		out:     out,
		printed: map[string]string{},
		watched: map[*chat.Conversation]bool{},
	}
	if cfg != nil {
		sh.params.MaxDownloads = cfg.Search.MaxDownloads
		sh.params.IncludeRecalled = cfg.Search.IncludeRecalled
	}
	return sh
}

func (sh *shell) run(ctx context.Context) error {
	fmt.Fprintln(sh.out, "vera shell. Type 'help' for commands.")
	for {
		fmt.Fprint(sh.out, "> ")
		if !sh.in.Scan() {
			fmt.Fprintln(sh.out)
			return sh.in.Err()
		}
		line := strings.TrimSpace(sh.in.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		if err := sh.exec(ctx, cmd, rest); err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	}
}

func (sh *shell) exec(ctx context.Context, cmd, rest string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(sh.out, shellHelp)
	case "search":
		p := sh.params
		p.SearchTerm, p.ProductCode = rest, ""
		return sh.search(ctx, p)
	case "code":
		p := sh.params
		p.SearchTerm, p.ProductCode = "", strings.ToUpper(rest)
		return sh.search(ctx, p)
	case "downloads":
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return fmt.Errorf("downloads takes a non-negative number")
		}
		sh.params.MaxDownloads = n
		fmt.Fprintf(sh.out, "Max downloads: %d\n", n)
	case "recalled":
		switch rest {
		case "on":
			sh.params.IncludeRecalled = true
		case "off":
			sh.params.IncludeRecalled = false
		default:
			return fmt.Errorf("recalled takes on or off")
		}
		fmt.Fprintf(sh.out, "Include recalled: %v\n", sh.params.IncludeRecalled)
	case "list":
		printPartition(sh.out, sh.sess.Search.Partition(), sh.sess)
	case "toggle":
		if err := sh.sess.Selection.Toggle(rest); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s selected: %v (%d selected)\n", rest, sh.sess.Selection.IsSelected(rest), sh.sess.Selection.Len())
	case "all":
		key, ok := search.ParseKey(rest)
		if !ok {
			return fmt.Errorf("all takes with or without")
		}
		all := sh.sess.Selection.SelectAll(key)
		fmt.Fprintf(sh.out, "All %s selected: %v (%d selected)\n", key, all, sh.sess.Selection.Len())
	case "clear":
		sh.sess.Selection.Clear()
		fmt.Fprintln(sh.out, "Selection cleared")
	case "enrich":
		return sh.enrich(ctx)
	case "show":
		return sh.show(rest)
	case "statement":
		if rest == "" {
			if sh.statement == "" {
				fmt.Fprintln(sh.out, "No statement set")
			} else {
				fmt.Fprintf(sh.out, "Statement: %s\n", sh.statement)
			}
			return nil
		}
		sh.statement = rest
		fmt.Fprintln(sh.out, "Statement set")
	case "analyze":
		if err := sh.sess.Analysis.Request(ctx, rest, sh.statement); err != nil {
			return err
		}
		return sh.show(rest)
	case "analyze-all":
		n, errs := sh.sess.AnalyzeEnriched(ctx, sh.statement)
		fmt.Fprintf(sh.out, "Analyzed %d devices, %d failed\n", n, len(errs))
		for id, err := range errs {
			fmt.Fprintf(sh.out, "  %s: %v\n", id, err)
		}
	case "chat":
		return sh.chat(ctx, sh.sess.Chat, rest)
	case "ask":
		id, msg, _ := strings.Cut(rest, " ")
		if id == "" {
			return fmt.Errorf("ask takes a k-number and a message")
		}
		return sh.chat(ctx, sh.sess.DeviceChat(id), strings.TrimSpace(msg))
	case "export":
		if rest == "" {
			return fmt.Errorf("export takes a file name")
		}
		if err := report.Write(rest, report.FromSession(sh.sess, sh.statement)); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Review written to %s\n", rest)
	case "transcript":
		return sh.transcript(rest)
	default:
		return fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
	return nil
}

func (sh *shell) search(ctx context.Context, p api.SearchParams) error {
	part, err := sh.sess.Search.Search(ctx, p)
	if err != nil {
		return err
	}
	printPartition(sh.out, part, sh.sess)
	return nil
}

func (sh *shell) enrich(ctx context.Context) error {
	records, err := sh.sess.EnrichSelected(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Fprintf(sh.out, "  %-10s %s\n", r.ID, r.Status)
	}
	summary := sh.sess.Enrichment.Summary()
	fmt.Fprintf(sh.out, "%d processed, %d with IFU\n", len(records), summary[api.StatusSuccess])
	return nil
}

func (sh *shell) show(id string) error {
	d, ok := sh.sess.Search.Partition().Device(id)
	r, hasRecord := sh.sess.Enrichment.Record(id)
	if !ok && !hasRecord {
		return fmt.Errorf("%w: unknown device %s", api.ErrValidation, id)
	}
	if ok {
		fmt.Fprintf(sh.out, "%s  %s\n  %s, decided %s\n", d.KNumber, d.DeviceName, d.Applicant, d.DecisionDate)
	}
	if hasRecord {
		fmt.Fprintf(sh.out, "  IFU status: %s\n", r.Status)
		if r.HasContent() {
			fmt.Fprintf(sh.out, "  %s\n", *r.Text)
		} else if r.ErrorMessage != nil {
			fmt.Fprintf(sh.out, "  %s\n", *r.ErrorMessage)
		}
	}
	if sh.sess.Analysis.IsPending(id) {
		fmt.Fprintln(sh.out, "  Analysis in progress...")
	}
	if a, ok := sh.sess.Analysis.Record(id); ok {
		verdict := "NOT substantially equivalent"
		if a.Equivalent {
			verdict = "substantially equivalent"
		}
		fmt.Fprintf(sh.out, "  Verdict: %s\n", verdict)
		for _, reason := range a.Reasons {
			fmt.Fprintf(sh.out, "    - %s\n", reason)
		}
		if len(a.Suggestions) > 0 {
			fmt.Fprintln(sh.out, "  Suggestions:")
			for _, s := range a.Suggestions {
				fmt.Fprintf(sh.out, "    - %s\n", s)
			}
		}
	}
	if err := sh.sess.Analysis.Err(id); err != nil {
		fmt.Fprintf(sh.out, "  Last analysis failed: %v\n", err)
	}
	return nil
}

// chat sends msg and prints the reply as it streams. Ctrl+C cancels the
// reply and keeps what arrived.
func (sh *shell) chat(ctx context.Context, c *chat.Consumer, msg string) error {
	sh.watch(c.Conversation())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	stream, err := c.Send(ctx, msg)
	if err != nil {
		return err
	}
	final, err := stream.Wait()
	fmt.Fprintln(sh.out)
	switch final.Status {
	case chat.StatusCancelled:
		fmt.Fprintln(sh.out, "[reply cancelled]")
	case chat.StatusFailed:
		fmt.Fprintln(sh.out, "[reply failed]")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watch prints the new part of each assistant message whenever the
// conversation changes.
func (sh *shell) watch(conv *chat.Conversation) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.watched[conv] {
		return
	}
	sh.watched[conv] = true

	conv.Subscribe(func(msgs []chat.Message) {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		for _, m := range msgs {
			if m.Role != chat.RoleAssistant {
				continue
			}
			prev := sh.printed[m.ID]
			if m.Content == prev {
				continue
			}
			if strings.HasPrefix(m.Content, prev) {
				fmt.Fprint(sh.out, m.Content[len(prev):])
			} else {
				fmt.Fprint(sh.out, "\n"+m.Content)
			}
			sh.printed[m.ID] = m.Content
		}
	})
}

func (sh *shell) transcript(args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return fmt.Errorf("transcript takes a file name")
	}

	conv, title := sh.sess.Chat.Conversation(), "vera chat"
	if len(fields) > 1 {
		conv = sh.sess.DeviceChat(fields[1]).Conversation()
		title = "vera chat: " + fields[1]
	}

	f, err := os.Create(fields[0])
	if err != nil {
		return fmt.Errorf("creating transcript: %w", err)
	}
	if err := chat.RenderTranscript(f, title, conv.Messages()); err != nil {
		f.Close()
		return fmt.Errorf("rendering transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Transcript written to %s\n", fields[0])
	return nil
}

func printPartition(w io.Writer, part search.Partition, sess *session.Session) {
	sections := []struct {
		key   search.PartitionKey
		title string
	}{
		{search.With, "With 510(k) document"},
		{search.Without, "Without document"},
	}
	for _, s := range sections {
		devices := part.Get(s.key)
		mark := ""
		if sess.Selection.AllSelected(s.key) {
			mark = " (all selected)"
		}
		fmt.Fprintf(w, "%s: %d%s\n", s.title, len(devices), mark)
		for _, d := range devices {
			box := "[ ]"
			if sess.Selection.IsSelected(d.KNumber) {
				box = "[x]"
			}
			status := ""
			if r, ok := sess.Enrichment.Record(d.KNumber); ok {
				status = "  ifu:" + string(r.Status)
			}
			if a, ok := sess.Analysis.Record(d.KNumber); ok {
				status += fmt.Sprintf("  equivalent:%v", a.Equivalent)
			}
			if d.SafetyStatus == "recalled" {
				status += "  RECALLED"
			}
			fmt.Fprintf(w, "  %s %-9s %-40s %-25s %s%s\n", box, d.KNumber, clip(d.DeviceName, 40), clip(d.Applicant, 25), d.DecisionDate, status)
		}
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
