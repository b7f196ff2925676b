// Package http exposes the parking store, storage administration, background
// jobs and backups over a JSON API.
package http

import (
	"context"
	"net/http"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/go-chi/chi/v5"
)

// ClientStore defines the client and bicycle operations required by
// ClientHandler.
type ClientStore interface {
	SaveClient(ctx context.Context, c *models.Client) error
	GetClientByCPF(ctx context.Context, cpf string) (*models.Client, error)
	GetAllClients(ctx context.Context) ([]models.Client, error)
	DeleteClient(ctx context.Context, id string) error
	SaveBicycle(ctx context.Context, b *models.Bicycle) error
	GetBicyclesForClient(ctx context.Context, clientID string) ([]models.Bicycle, error)
	GetAllBicycles(ctx context.Context) ([]models.Bicycle, error)
}

// ClientHandler serves clients and their bicycles.
type ClientHandler struct {
	Store ClientStore
}

// List returns every client with its bicycles.
func (h *ClientHandler) List(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Store.GetAllClients(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if clients == nil {
		clients = []models.Client{}
	}
	respondJSON(w, http.StatusOK, clients)
}

// Save creates or updates the client in the body.
func (h *ClientHandler) Save(w http.ResponseWriter, r *http.Request) {
	var c models.Client
	if err := decodeJSON(r, &c); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Store.SaveClient(r.Context(), &c); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"cliente": c})
}

// GetByCPF looks a client up by the {key} URL parameter, read as a CPF.
func (h *ClientHandler) GetByCPF(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetClientByCPF(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// Delete removes the client with id {key} and its bicycles.
func (h *ClientHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteClient(r.Context(), chi.URLParam(r, "key")); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, nil)
}

// Bicycles lists the bicycles of client {key}.
func (h *ClientHandler) Bicycles(w http.ResponseWriter, r *http.Request) {
	bikes, err := h.Store.GetBicyclesForClient(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		respondError(w, err)
		return
	}
	if bikes == nil {
		bikes = []models.Bicycle{}
	}
	respondJSON(w, http.StatusOK, bikes)
}

// SaveBicycle creates or updates a bicycle. The owning client must exist.
func (h *ClientHandler) SaveBicycle(w http.ResponseWriter, r *http.Request) {
	var b models.Bicycle
	if err := decodeJSON(r, &b); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Store.SaveBicycle(r.Context(), &b); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"bicicleta": b})
}

// AllBicycles lists every bicycle.
func (h *ClientHandler) AllBicycles(w http.ResponseWriter, r *http.Request) {
	bikes, err := h.Store.GetAllBicycles(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if bikes == nil {
		bikes = []models.Bicycle{}
	}
	respondJSON(w, http.StatusOK, bikes)
}
