package delegation

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "VaultGuard-Chain/internal/errors"
)

// signaturePrefix 采用以太坊个人签名前缀，保证签名内容不会被误当作交易。
const signaturePrefix = "\x19Ethereum Signed Message:\n32"

// SigningHash 计算代建委托时需要签名的摘要。
// 摘要覆盖委托人、全部创建参数与序号，任一字段变化都会使签名失效。
func SigningHash(delegator common.Address, params CreateParams, nonce uint64) common.Hash {
	var duration, seq [8]byte
	binary.BigEndian.PutUint64(duration[:], uint64(params.Duration))
	binary.BigEndian.PutUint64(seq[:], nonce)

	limit := make([]byte, 32)
	if params.SpendingLimit != nil {
		params.SpendingLimit.FillBytes(limit)
	}

	selectors := make([]byte, 0, len(params.AllowedSelectors)*4)
	for _, sel := range params.AllowedSelectors {
		selectors = append(selectors, sel[:]...)
	}

	inner := crypto.Keccak256Hash(
		delegator.Bytes(),
		params.Delegatee.Bytes(),
		[]byte(params.Kind),
		duration[:],
		limit,
		selectors,
		seq[:],
	)
	return crypto.Keccak256Hash([]byte(signaturePrefix), inner.Bytes())
}

// RecoverSigner 从 65 字节的 secp256k1 签名中恢复签名地址。
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidSignature, "签名长度不合法")
	}
	// 兼容链上常见的 V ∈ {27, 28} 表示。
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidSignature, err, "恢复签名公钥失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
