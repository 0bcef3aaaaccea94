package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/util"
)

// handleGetUsage returns current CPU and memory load.
func (s *Server) handleGetUsage(c *gin.Context) {
	usage, err := util.GetResourceUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	entries, err := readRecentLogEntries(s.opts.Config.GetLogging().Directory, s.opts.Role, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGetSession returns the whole session snapshot.
func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Host.Session.Snapshot())
}

// playerEntry is one row of the player table.
type playerEntry struct {
	Slot   int    `json:"slot"`
	RegID  int32  `json:"reg_id"`
	Plugin string `json:"plugin"`
	Raw    bool   `json:"raw"`
}

// handleGetPlayers returns the held player slots.
func (s *Server) handleGetPlayers(c *gin.Context) {
	snap := s.opts.Host.Session.Snapshot()
	players := make([]playerEntry, 0, protocol.MaxPlayers)
	for slot, p := range snap.Players {
		if !p.Registered() {
			continue
		}
		players = append(players, playerEntry{
			Slot:   slot,
			RegID:  p.RegID,
			Plugin: protocol.PluginName(p.Plugin),
			Raw:    p.Raw,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"players": players,
		"total":   len(players),
	})
}

// handleGetFiles returns the stored save files and their sizes.
func (s *Server) handleGetFiles(c *gin.Context) {
	snap := s.opts.Host.Session.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"files": snap.Files,
		"total": len(snap.Files),
	})
}

// handleGetConnections returns the live gameplay connections.
func (s *Server) handleGetConnections(c *gin.Context) {
	if s.opts.Host.Gameplay == nil {
		c.JSON(http.StatusOK, gin.H{"connections": []interface{}{}, "total": 0})
		return
	}
	conns := s.opts.Host.Gameplay.Connections()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
	})
}

// handleGetRoomClients returns the clients connected to the room.
func (s *Server) handleGetRoomClients(c *gin.Context) {
	clients := s.opts.Host.Room.Clients()
	c.JSON(http.StatusOK, gin.H{
		"clients": clients,
		"total":   len(clients),
		"started": s.opts.Host.Room.Started(),
	})
}

// handleGetRoomCode returns the rendezvous room code, if one was assigned.
func (s *Server) handleGetRoomCode(c *gin.Context) {
	var code int32
	if s.opts.Host.RoomCode != nil {
		code = s.opts.Host.RoomCode()
	}
	if code <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no room code assigned"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

// handleGetNATMappings returns the leased NAT port mappings.
func (s *Server) handleGetNATMappings(c *gin.Context) {
	if s.opts.Host.NAT == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "mappings": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":  true,
		"mappings": s.opts.Host.NAT.Mappings(),
	})
}

// handleListRooms returns every live rendezvous room.
func (s *Server) handleListRooms(c *gin.Context) {
	rooms, err := s.opts.Rooms.ListRooms()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"total": len(rooms),
	})
}

// handleGetJoinState returns where the joining state machine stands.
func (s *Server) handleGetJoinState(c *gin.Context) {
	resp := gin.H{"state": s.opts.Join.Joiner.State()}
	if reg, ok := s.opts.Join.Joiner.Registration(); ok {
		resp["registration"] = reg
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetServers returns the sessions found on the local network.
func (s *Server) handleGetServers(c *gin.Context) {
	if s.opts.Join.Browser == nil {
		c.JSON(http.StatusOK, gin.H{"servers": []interface{}{}, "total": 0})
		return
	}
	servers := s.opts.Join.Browser.Candidates()
	out := make([]gin.H, 0, len(servers))
	for _, srv := range servers {
		out = append(out, gin.H{
			"server":     srv,
			"addr":       srv.Addr(),
			"compatible": srv.Compatible(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"servers": out,
		"total":   len(out),
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
// file written by app.
func readRecentLogEntries(logDir, app string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range dirEntries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".log" {
			continue
		}
		if app != "" && !strings.HasPrefix(name, app+"_") {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return []logEntry{}, nil
	}
	// Names carry the date, so the last one is the newest.
	sort.Strings(files)

	data, err := os.ReadFile(filepath.Join(logDir, files[len(files)-1]))
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := len(lines) - count - 1
	if start < 0 {
		start = 0
	}

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
