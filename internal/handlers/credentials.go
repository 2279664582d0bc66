package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/minhtuancn/server-monitor-sub002/internal/audit"
	"github.com/minhtuancn/server-monitor-sub002/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

type createCredentialRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PrivateKey  string `json:"private_key"`
}

// CreateCredential imports a PEM private key into the vault.
// POST /api/v1/credentials
func CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.PrivateKey == "" {
		writeError(w, http.StatusBadRequest, "name and private_key are required")
		return
	}

	actor := middleware.GetActor(r)
	cred, err := Vault.Create(req.Name, req.Description, []byte(req.PrivateKey), actor.Name)
	if err != nil {
		if errors.Is(err, vault.ErrInvalidKeyMaterial) {
			writeError(w, http.StatusBadRequest, "Private key is not a supported SSH key")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}

	Emitter.Emit(actor.Name, audit.ActionCredentialCreated, audit.TargetCredential, cred.ID,
		"name="+cred.Name+" fingerprint="+cred.Fingerprint)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":          cred.ID,
		"fingerprint": cred.Fingerprint,
	})
}

// ListCredentials returns metadata for all live credentials.
// GET /api/v1/credentials
func ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := Vault.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": creds})
}

// GetCredentialMetadata returns public attributes only; key material and
// ciphertext never leave the vault through this path.
// GET /api/v1/credentials/{id}
func GetCredentialMetadata(w http.ResponseWriter, r *http.Request) {
	cred, err := Vault.Metadata(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load credential")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// DeleteCredential tombstones a credential.
// DELETE /api/v1/credentials/{id}
func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Vault.SoftDelete(id); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}

	actor := middleware.GetActor(r)
	Emitter.Emit(actor.Name, audit.ActionCredentialDeleted, audit.TargetCredential, id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
