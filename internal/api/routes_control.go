package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/netplay64/netplay64/internal/room"
)

// handleStartGame pushes StartPlay to every room client. The room stops
// accepting clients afterwards.
func (s *Server) handleStartGame(c *gin.Context) {
	// The room outlives the HTTP request.
	err := s.opts.Host.Room.StartGame(context.Background())
	if errors.Is(err, room.ErrAlreadyStarted) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("client_ip", c.ClientIP()).Msg("API: game started")
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// handleDeleteRoom removes a rendezvous room by code.
func (s *Server) handleDeleteRoom(c *gin.Context) {
	code, err := parseRoomCode(c)
	if err != nil {
		return
	}

	deleted, err := s.opts.Rooms.DeleteRoom(code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found", "code": code})
		return
	}
	s.logger.Info().Int32("code", code).Str("client_ip", c.ClientIP()).Msg("API: room deleted")
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "code": code})
}

// parseRoomCode extracts and validates the code parameter from the URL.
func parseRoomCode(c *gin.Context) (int32, error) {
	code, err := strconv.ParseInt(c.Param("code"), 10, 32)
	if err == nil && code <= 0 {
		err = strconv.ErrRange
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room code"})
		return 0, err
	}
	return int32(code), nil
}
