package fixtures

import (
	_ "embed"
)

//go:embed config/therock.yaml.template
var ConfigTemplate []byte

//go:embed config/build.yaml
var ExampleBuildConfig []byte

//go:embed descriptors/artifact-blas.toml
var ExampleDescriptor []byte
