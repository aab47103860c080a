package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/autoheal/internal/patch"
)

type applyPatchResp struct {
	File        string `json:"file"`
	ApplyStatus string `json:"apply_status"`
}

type autoFixReq struct {
	File string `json:"file" form:"file"`
}

type autoFixResp struct {
	File         string `json:"file"`
	Patch        string `json:"patch"`
	ApplyStatus  string `json:"apply_status"`
	ReloadStatus string `json:"reload_status"`
	Error        string `json:"error,omitempty"`
}

// statusFor maps a patch cycle error to an HTTP status: caller mistakes and
// malformed patches are 400, oracle and apply failures 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, patch.ErrFormatInvalid), errors.Is(err, patch.ErrFileNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleApplyPatch(c *gin.Context) {
	text := c.PostForm("patch")
	file := strings.TrimSpace(c.PostForm("file"))
	path, ok := resolveInRoot(r.cfg.PatchRoot, file)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid file: must be inside the patch root", Patch: text})
		return
	}
	if text == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "patch required"})
		return
	}

	// the diff header names the file the way the caller did
	out, err := r.deps.Maintainer.ApplyPatch(c.Request.Context(), file, path, text)
	if err != nil {
		r.log.Warn("manual patch failed", "file", file, "path", path, "status", out.Status, "error", err)
		writeJSON(c, statusFor(err), errorResp{Error: err.Error(), Patch: text})
		return
	}
	writeJSON(c, http.StatusOK, applyPatchResp{File: file, ApplyStatus: out.Status})
}

func (r *Router) handleAutoFix(c *gin.Context) {
	var req autoFixReq
	if err := c.ShouldBind(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid request: " + err.Error()})
		return
	}
	file := strings.TrimSpace(req.File)
	path, ok := resolveInRoot(r.cfg.PatchRoot, file)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid file: must be inside the patch root"})
		return
	}

	out, err := r.deps.Maintainer.Fix(c.Request.Context(), file, path)
	resp := autoFixResp{
		File:         file,
		Patch:        out.Patch,
		ApplyStatus:  out.Status,
		ReloadStatus: out.ReloadStatus(),
	}
	if err != nil {
		r.log.Warn("auto fix failed", "file", file, "path", path, "status", out.Status, "error", err)
		resp.Error = err.Error()
		writeJSON(c, statusFor(err), resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}
