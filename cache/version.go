package cache

// Version is the package version advertised in discovery announces and
// matched by the peer version policy.
const Version = "1.2.0"
