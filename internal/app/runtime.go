package app

import (
	"os"

	"birthdaygreeter/internal/config"
)

// IsLambda reports whether the process runs inside the AWS Lambda runtime.
func IsLambda() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// LoadConfig loads the configuration, resolving *_SSM_PARAM pointers through
// Parameter Store outside APP_ENV=local.
func LoadConfig() (*config.Config, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.LoadConfig(config.NewSSMProvider(region))
}
