package bulk

// EagerThreshold is the largest total handle size, in bytes, eligible to
// travel inline in a wire descriptor instead of requiring a registered
// NA memory handle and a round-trip RMA.
const EagerThreshold = 4096

// DefaultOpPoolCapacity is the number of OpIDs an Engine's pool starts
// with before it needs to grow.
const DefaultOpPoolCapacity = 16
