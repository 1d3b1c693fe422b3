package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noxist/ticketd/internal/core"
)

type PrinterResponse struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`
	Broker  string `json:"broker,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Queued  int    `json:"queued"`
}

type PrinterHandler struct {
	dispatcher *core.Dispatcher
}

func NewPrinterHandler(dispatcher *core.Dispatcher) *PrinterHandler {
	return &PrinterHandler{dispatcher: dispatcher}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	targets := h.dispatcher.Targets()
	printers := make([]PrinterResponse, 0, len(targets))
	for _, t := range targets {
		printers = append(printers, PrinterResponse{
			Name:    t.Name,
			Kind:    string(t.Kind),
			Address: t.Address,
			Port:    t.Port,
			Broker:  t.Broker,
			Topic:   t.Topic,
			Queued:  h.dispatcher.QueueDepth(t.Name),
		})
	}
	c.JSON(http.StatusOK, gin.H{"printers": printers, "count": len(printers)})
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	name := c.Param("name")
	for _, t := range h.dispatcher.Targets() {
		if t.Name == name {
			c.JSON(http.StatusOK, PrinterResponse{
				Name:    t.Name,
				Kind:    string(t.Kind),
				Address: t.Address,
				Port:    t.Port,
				Broker:  t.Broker,
				Topic:   t.Topic,
				Queued:  h.dispatcher.QueueDepth(t.Name),
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
}
