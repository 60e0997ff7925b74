//go:build !unix

package relay

func isTransient(error) bool {
	return false
}
