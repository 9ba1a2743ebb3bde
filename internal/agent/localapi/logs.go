package localapi

import (
	"bufio"
	"net/http"
	"os"
	"regexp"
	"strings"
)

// LogEntry is one parsed line from the agent's structured log file, in the
// fixed format internal/logging.Sink writes:
//
//	TIMESTAMP [LEVEL] [CATEGORY] [Component] [log_id=...] file.go:line - message
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Component string `json:"component"`
	LogID     string `json:"logId,omitempty"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	Raw       string `json:"-"`
}

var logLinePattern = regexp.MustCompile(
	`^(\S+ \S+) \[(\w+)\] \[([^\]]*)\] \[([^\]]*)\](?: \[log_id=([^\]]*)\])? (\S+) - (.*)$`,
)

func parseLogLine(line string) (LogEntry, bool) {
	m := logLinePattern.FindStringSubmatch(line)
	if m == nil {
		return LogEntry{}, false
	}
	return LogEntry{
		Timestamp: m[1],
		Level:     m[2],
		Category:  m[3],
		Component: m[4],
		LogID:     m[5],
		Source:    m[6],
		Message:   m[7],
		Raw:       line,
	}, true
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000
	defaultDownload = 10000
)

// handleLogs returns a paginated, newest-first tail of the log file, with
// optional level and substring filters.
func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := boundPageSize(q.Get("pageSize"), defaultPageSize, maxPageSize)
	levelFilter := strings.ToUpper(strings.TrimSpace(q.Get("level")))
	search := q.Get("search")

	entries, err := a.readLogEntries(levelFilter, search, 0)
	if err != nil {
		http.Error(w, "failed to read log file", http.StatusInternalServerError)
		return
	}

	total := len(entries)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  entries[start:end],
		"page":     page,
		"pageSize": pageSize,
		"total":    total,
	})
}

// handleLogsDownload exports the raw log tail as plain text, bounded by
// limit lines (default defaultDownload).
func (a *API) handleLogsDownload(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), defaultDownload)
	if limit <= 0 || limit > defaultDownload {
		limit = defaultDownload
	}

	lines, err := a.readRawLines(limit)
	if err != nil {
		http.Error(w, "failed to read log file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="agent.log"`)
	for _, line := range lines {
		w.Write([]byte(line))
		w.Write([]byte("\n"))
	}
}

// readLogEntries parses the whole log file, filters, and returns
// newest-first. limit, if positive, caps the number of raw lines read from
// the tail before parsing.
func (a *API) readLogEntries(levelFilter, search string, limit int) ([]LogEntry, error) {
	lines, err := a.readRawLines(limit)
	if err != nil {
		return nil, err
	}

	entries := make([]LogEntry, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		entry, ok := parseLogLine(lines[i])
		if !ok {
			continue
		}
		if levelFilter != "" && entry.Level != levelFilter {
			continue
		}
		if search != "" && !strings.Contains(entry.Raw, search) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// readRawLines reads every line of the log file, optionally capped to the
// last limit lines.
func (a *API) readRawLines(limit int) ([]string, error) {
	if a.cfg.LogPath == "" {
		return nil, nil
	}
	f, err := os.Open(a.cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
