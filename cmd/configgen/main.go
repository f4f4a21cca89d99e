package main

import (
	"flag"
	"log"

	"github.com/danmuck/framelink/internal/config"
)

const defaultPath = "cmd/framelink/config.toml"

func main() {
	kind := flag.String("kind", "serial", "link kind: serial|tcp|udp")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		if err := cfg.Link.Validate(); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", cfg.Link.Kind, *input)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
