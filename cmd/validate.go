package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/databridge/dataapi/conf"
)

// validateConfigCmd parses and fully validates the config file at --config
// without starting a service — useful in CI before a deploy.
func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Parse and validate the runtime config file",
		Run:   cmdValidateConfig,
	}
}

func cmdValidateConfig(cmd *cobra.Command, args []string) {
	loader := conf.NewLoader(nil)
	rc, err := loader.Load(cpath)
	if err != nil {
		if errs, ok := err.(conf.ErrorList); ok {
			for _, e := range errs {
				fmt.Printf("  %s: %s\n", e.Path, e.Message)
			}
			log.Fatalf("config is invalid: %d error(s)", len(errs))
		}
		log.Fatalf("%s", err)
	}
	log.Infof("config is valid: %d entities, data source %s", len(rc.Entities), rc.DataSource.Kind)
}
