// Command gateway wires binding configuration into the core and serves
// it behind the illustrative Anthropic-shaped HTTP front-end.
package main

import (
	"fmt"
	"log"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/config"
	"github.com/anthropic-gateway/core/internal/core"
	"github.com/anthropic-gateway/core/internal/credential"
	"github.com/anthropic-gateway/core/internal/server"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	bindings, err := cfg.ToBindings()
	if err != nil {
		log.Fatalf("failed to build bindings: %v", err)
	}

	var setups []core.BindingSetup
	bindingFor := make(map[string]string)

	for _, b := range bindings {
		setup := core.BindingSetup{Binding: b}

		if b.Kind == canonical.KindCWR {
			setup.Refresher = &config.CWROAuthRefresher{Config: &oauth2.Config{
				Endpoint: oauth2.Endpoint{TokenURL: b.Endpoint + "/oauth/token"},
			}}
			setup.Store = &credential.FileStore{Dir: "."}
		}

		setups = append(setups, setup)

		for canonicalModel := range b.ModelMap {
			bindingFor[canonicalModel] = b.Name
		}
	}

	gw, warnings, err := core.New(setups)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}
	for _, w := range warnings {
		log.Printf("startup warning: %s", w)
	}

	srv := server.New(gw, bindingFor)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("gateway listening on :%d", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
