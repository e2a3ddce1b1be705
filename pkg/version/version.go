package version

// value is overridden at build time with -ldflags "-X basket/pkg/version.value=..."
var value = "dev"

// Version reports the build version of the binary.
func Version() string {
	return value
}
