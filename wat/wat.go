package wat

import (
	"fmt"

	"github.com/wippyai/wasm-host/wat/internal/encoder"
	"github.com/wippyai/wasm-host/wat/internal/parser"
	"github.com/wippyai/wasm-host/wat/internal/token"
)

// Compile assembles a text format module into its binary encoding.
func Compile(source string) ([]byte, error) {
	mod, err := parser.New(token.Tokenize(source)).Parse()
	if err != nil {
		return nil, err
	}
	return encoder.Encode(mod), nil
}

// MustCompile is Compile for sources known to be valid, such as test
// fixtures. It panics on error.
func MustCompile(source string) []byte {
	bin, err := Compile(source)
	if err != nil {
		panic(fmt.Sprintf("wat: %v", err))
	}
	return bin
}
