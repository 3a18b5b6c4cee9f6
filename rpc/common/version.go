package common

// Version of the client driver, reported in the User-Agent of configuration
// requests and by the CLI.
const Version = "0.3.0"
