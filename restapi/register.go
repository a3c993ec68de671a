// Package restapi is the HTTP surface. Every service listens on its own
// port; handlers register into a method map and the server builds a gin
// router out of it, wrapping each handler with the service's credential
// check and bandwidth gate.
package restapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

type HTTPVerb int

const (
	Unknown HTTPVerb = iota
	GET
	POST
)

// RestMethod is one registered action. NoAuth actions (credential bootstrap)
// skip account resolution; AdminOnly actions additionally require moderate on
// the services domain.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	NoAuth  bool
	Handler func(s *server, c *gin.Context)
}

var restMethods = make(map[string]RestMethod)

// RegisterMethod is a helper function for Register.
func RegisterMethod(verb HTTPVerb, path string, noAuth bool, h func(s *server, c *gin.Context)) {
	if err := Register(RestMethod{Verb: verb, Path: path, NoAuth: noAuth, Handler: h}); err != nil {
		panic(err)
	}
}

// Register adds a REST method to the map, refusing duplicates.
func Register(m RestMethod) error {
	key := fmt.Sprintf("%d_%s", m.Verb, m.Path)
	if _, exists := restMethods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	restMethods[key] = m
	return nil
}

// RestMethods snapshots the registered actions.
func RestMethods() []RestMethod {
	out := make([]RestMethod, 0, len(restMethods))
	for _, m := range restMethods {
		out = append(out, m)
	}
	return out
}
