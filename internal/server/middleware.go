package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/insurecard/internal/observability/context"
)

// The identity gateway in front of the API authenticates the caller and
// forwards who they are in these headers.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	contextActorIDKey = "actor_id"
)

// ActorRequired rejects requests without an actor and stores the actor and
// role on the request context for authorization and audit.
func (s *Server) ActorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "user", actorID)
		ctx = obscontext.WithActorRole(ctx, c.GetHeader(HeaderActorRole))
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextActorIDKey, actorID)
		c.Next()
	}
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID, ok := actorIDFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), "user:"+actorID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func actorIDFromContext(c *gin.Context) (string, bool) {
	value := strings.TrimSpace(c.GetString(contextActorIDKey))
	return value, value != ""
}
