package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xonrelay/xonrelay/internal/protocol"
	"github.com/xonrelay/xonrelay/internal/util"
)

// queryInt reads a positive integer query parameter clamped to max.
func queryInt(c *gin.Context, key string, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || n < 1 {
		n = def
	}
	if n > max {
		n = max
	}
	return n
}

// handleListServers returns every configured server connection.
func (s *Server) handleListServers(c *gin.Context) {
	servers := s.bridge.GetAllInfo()
	c.JSON(http.StatusOK, gin.H{
		"servers": servers,
		"total":   s.bridge.GetTotalServers(),
		"ready":   s.bridge.GetReadyCount(),
	})
}

// handleGetServer returns one server connection with its counters.
func (s *Server) handleGetServer(c *gin.Context) {
	info, err := s.bridge.GetInfo(c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleGetStatus queries the server live. With ?cached=true the last
// snapshot is returned without a round trip.
func (s *Server) handleGetStatus(c *gin.Context) {
	name := c.Param("name")

	if c.Query("cached") == "true" {
		info, err := s.bridge.GetInfo(name)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if info.LastStatus == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no status polled yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    info.LastStatus,
			"formatted": protocol.FormatStatus(info.LastStatus),
			"polled_at": info.LastStatusAt,
		})
		return
	}

	status, err := s.bridge.Status(c.Request.Context(), name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"formatted": protocol.FormatStatus(status),
	})
}

// handleGetChat returns recent broadcasts. ?source=history reads the
// database instead of the in-memory backlog.
func (s *Server) handleGetChat(c *gin.Context) {
	name := c.Param("name")
	count := queryInt(c, "count", 50, 1000)

	if c.Query("source") == "history" {
		if s.history == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
			return
		}
		if _, err := s.bridge.GetInfo(name); err != nil {
			abortWithError(c, err)
			return
		}
		entries, err := s.history.RecentChat(c.Request.Context(), name, count)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
		return
	}

	lines, err := s.bridge.RecentChat(name, count)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": lines, "count": len(lines)})
}

// handleGetSystem returns host information and load.
func (s *Server) handleGetSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  util.GetHostUsage(),
	})
}

// handleGetRconAudit returns recently sent rcon commands.
func (s *Server) handleGetRconAudit(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}
	entries, err := s.history.RecentRcon(c.Request.Context(), queryInt(c, "count", 100, 1000))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// handleGetAlerts returns unacknowledged alerts.
func (s *Server) handleGetAlerts(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}
	alerts, err := s.history.GetUnacknowledgedAlerts(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count := queryInt(c, "count", 100, 1000)

	entries, err := readRecentLogEntries(s.cfg.GetApplicationData().Logging.Directory, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest log
// file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var latestFile string
	for i := len(dirEntries) - 1; i >= 0; i-- {
		name := dirEntries[i].Name()
		if !dirEntries[i].IsDir() && strings.HasPrefix(name, "xonrelay_") && filepath.Ext(name) == ".log" {
			latestFile = filepath.Join(logDir, name)
			break
		}
	}
	if latestFile == "" {
		return []logEntry{}, nil
	}

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := len(lines) - count - 1 // trailing newline
	if start < 0 {
		start = 0
	}

	// zerolog fields that already have a place in logEntry
	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}
	if len(result) > count {
		result = result[len(result)-count:]
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
