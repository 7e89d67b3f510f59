package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/yungbote/bisect-dispatcher/internal/app"
	"github.com/yungbote/bisect-dispatcher/internal/utils"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize instance: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	// Control loops always run: a dispatcher instance with no worker would
	// never drain the queue it just joined. RUN_SERVER toggles whether this
	// process also answers HTTP traffic, for operators who want dedicated
	// worker-only processes behind a separate API-only frontend.
	a.Start()

	if envTrue("RUN_SERVER", true) {
		port := utils.GetEnv("PORT", "8080", a.Log)
		fmt.Printf("Server listening on :%s\n", port)
		if err := a.Run(":" + port); err != nil {
			a.Log.Warn("Server failed", "error", err)
		}
		return
	}

	select {}
}
