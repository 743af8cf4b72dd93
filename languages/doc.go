// Package languages holds the static table of per-language execution recipes.
//
// The table is embedded in the binary and decoded once at startup. Each
// Descriptor names the container image, the mandated source filename, the
// optional compile command, the run command and the default resource limits
// for one language. Markup and data languages are listed for highlighting
// metadata only and are never executed.
//
// Usage:
//
//	reg := languages.Default()
//	desc, err := reg.Lookup("python")
//	if errors.Is(err, languages.ErrNotFound) {
//	    // reject the request
//	}
package languages
