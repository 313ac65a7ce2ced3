package api

import (
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/satsbox/satsbox/models/users"
)

func (r *RestServer) registerNip05Routes() {
	r.Router.GET("/.well-known/nostr.json", r.nip05Info)
}

// nip05Info resolves a registered username to its nostr pubkey. Unknown
// names return an empty map, per NIP-05.
func (r *RestServer) nip05Info(c *gin.Context) {
	name := c.Query("name")

	names := gin.H{}
	if name != "" {
		if user, err := users.GetByUsername(r.db, name); err == nil {
			names[name] = hex.EncodeToString(user.Pubkey)
		}
	}
	c.JSON(http.StatusOK, gin.H{"names": names})
}
