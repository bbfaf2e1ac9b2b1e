// internal/storage/models.go
package storage

// Setting keys.
const (
	KeyAllowHosting     = "allowHosting"
	KeyMyLanStoragePath = "myLanStoragePath"
	KeyProxyURL         = "proxyUrl"
	KeyProxyServerID    = "proxyServerId"
	KeyServerID         = "serverId"
)

// Connection is one attempt to adopt a storage folder.
type Connection struct {
	ID        string `json:"id"`
	Candidate string `json:"candidate"`
	Path      string `json:"path"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}
