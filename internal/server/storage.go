package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ssd-technologies/lansync/internal/blobs"
	"github.com/ssd-technologies/lansync/internal/docs"
)

// --- Clients ---

type registerUserRequest struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
}

func (s *Server) handleRegisterUser(c *gin.Context) {
	var req registerUserRequest
	if !bind(c, &req) {
		return
	}
	users, err := s.active().clients.RegisterUser(req.ClientID, req.Username)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clientId": req.ClientID, "users": users})
}

// --- Blobs ---

// handleStoreBlob takes a multipart form with clientId, blobId,
// vcrTotalBlobs, optional uploaded, and the blob as "file".
func (s *Server) handleStoreBlob(c *gin.Context) {
	clientID := c.PostForm("clientId")
	blobID := c.PostForm("blobId")
	total, _ := strconv.Atoi(c.PostForm("vcrTotalBlobs"))
	uploaded, _ := strconv.ParseBool(c.PostForm("uploaded"))

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file: " + err.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Close()

	n, err := s.active().blobs.Store(clientID, blobID, total, uploaded, f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "size": n})
}

type blobRequest struct {
	ClientID      string `json:"clientId"`
	BlobID        string `json:"blobId"`
	VCRTotalBlobs int    `json:"vcrTotalBlobs"`
	Uploaded      bool   `json:"uploaded"`
}

func (s *Server) handleRetrieveBlob(c *gin.Context) {
	var req blobRequest
	if !bind(c, &req) {
		return
	}
	f, info, err := s.active().blobs.Retrieve(req.ClientID, req.BlobID)
	if errors.Is(err, blobs.ErrNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.DataFromReader(http.StatusOK, st.Size(), "application/octet-stream", f, map[string]string{
		"X-Blob-Uploaded": strconv.FormatBool(info.Uploaded),
	})
}

func (s *Server) handleSetBlobUploaded(c *gin.Context) {
	var req blobRequest
	if !bind(c, &req) {
		return
	}
	err := s.active().blobs.SetUploaded(req.ClientID, req.BlobID, req.VCRTotalBlobs, req.Uploaded)
	if errors.Is(err, blobs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRetrieveAllBlobIDs(c *gin.Context) {
	var req blobRequest
	if !bind(c, &req) {
		return
	}
	all, err := s.active().blobs.ListAll(req.ClientID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if all == nil {
		all = []blobs.Info{}
	}
	c.JSON(http.StatusOK, all)
}

// --- Video cache records ---

type vcrRequest struct {
	ClientID string          `json:"clientId"`
	VCR      json.RawMessage `json:"vcr,omitempty"`
	Project  string          `json:"project,omitempty"`
	Filename string          `json:"filename,omitempty"`
}

func (s *Server) handleStoreVCR(c *gin.Context) {
	var req vcrRequest
	if !bind(c, &req) {
		return
	}
	if err := s.active().vcrs.Store(c.Request.Context(), req.ClientID, req.VCR); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListVCRFiles(c *gin.Context) {
	var req vcrRequest
	if !bind(c, &req) {
		return
	}
	files, err := s.active().vcrs.ListFiles(req.ClientID, req.Project)
	if err != nil {
		s.fail(c, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, files)
}

func (s *Server) handleRetrieveVCR(c *gin.Context) {
	var req vcrRequest
	if !bind(c, &req) {
		return
	}
	obj, err := s.active().vcrs.Retrieve(req.ClientID, req.Filename)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, obj)
}

// --- Documents ---

type docRequest struct {
	Project      string          `json:"project"`
	Doc          json.RawMessage `json:"doc,omitempty"`
	RemoteSeq    *int            `json:"remoteSeq,omitempty"`
	IsFromRemote bool            `json:"isFromRemote,omitempty"`
	Filename     string          `json:"filename,omitempty"`
}

func (s *Server) handleStoreDoc(c *gin.Context) {
	var req docRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.active().docs.Store(req.Project, req.Doc, req.RemoteSeq)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleListDocs(c *gin.Context) {
	var req docRequest
	if !bind(c, &req) {
		return
	}
	names, err := s.active().docs.List(req.Project, req.IsFromRemote)
	if err != nil {
		s.fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) handleRetrieveDoc(c *gin.Context) {
	var req docRequest
	if !bind(c, &req) {
		return
	}
	got, err := s.active().docs.Retrieve(req.Project, req.Filename)
	if errors.Is(err, docs.ErrNotFound) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

// --- Storage projects ---

type projectRequest struct {
	Project    string `json:"project"`
	AdminEmail string `json:"adminEmail"`
}

func (s *Server) handleGetProjects(c *gin.Context) {
	list, err := s.active().projects.Projects()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleAddProject(c *gin.Context) {
	var req projectRequest
	if !bind(c, &req) {
		return
	}
	list, err := s.active().projects.AddProject(req.Project, req.AdminEmail)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.onSettings(c.Request.Context())
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleRemoveProject(c *gin.Context) {
	var req projectRequest
	if !bind(c, &req) {
		return
	}
	list, err := s.active().projects.RemoveProject(req.Project, req.AdminEmail)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.onSettings(c.Request.Context())
	c.JSON(http.StatusOK, list)
}
