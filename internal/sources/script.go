package sources

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"chainledger/internal/models"
)

// ClassifyScript buckets a Bitcoin-family output script and derives the address
// where the script does not embed one. P2PK carries a bare pubkey, so the
// address must be computed from it; OP_RETURN has no address at all.
func ClassifyScript(script []byte, params *chaincfg.Params) (models.ScriptClass, string) {
	if len(script) == 0 {
		return models.ScriptOther, ""
	}

	class := txscript.GetScriptClass(script)
	switch class {
	case txscript.NullDataTy:
		return models.ScriptOpReturn, ""
	case txscript.PubKeyTy:
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
		if err != nil || len(addrs) == 0 {
			return models.ScriptP2PK, ""
		}
		return models.ScriptP2PK, addrs[0].EncodeAddress()
	default:
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
		if err != nil || len(addrs) == 0 {
			return models.ScriptOther, ""
		}
		return models.ScriptOther, addrs[0].EncodeAddress()
	}
}

// OpReturnPayload extracts the data pushed after OP_RETURN, or nil when the
// script is not a standard null-data script.
func OpReturnPayload(script []byte) []byte {
	if len(script) < 2 || script[0] != txscript.OP_RETURN {
		return nil
	}
	// Single small data push: OP_RETURN <len> <data>
	if int(script[1]) == len(script)-2 && script[1] < txscript.OP_PUSHDATA1 {
		return script[2:]
	}
	// OP_RETURN OP_PUSHDATA1 <len> <data>
	if script[1] == txscript.OP_PUSHDATA1 && len(script) >= 3 && int(script[2]) == len(script)-3 {
		return script[3:]
	}
	return nil
}
