package devdesc

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// DescLexer defines the lexical structure of device description files.
// Keywords are plain identifiers matched by value in the grammar.
var DescLexer = lexer.MustSimple([]lexer.SimpleRule{
	// Comments run from # to end of line
	{Name: "Comment", Pattern: `#[^\n]*`},

	{Name: "Whitespace", Pattern: `[\s\t\n\r]+`},

	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},

	// ".." must be tried before any single-character punctuation
	{Name: "Range", Pattern: `\.\.`},
	{Name: "Punct", Pattern: `[{}=;,:!]`},
})
