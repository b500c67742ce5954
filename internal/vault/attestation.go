package vault

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var planDigestArgs = mustPlanArguments()

func mustPlanArguments() abi.Arguments {
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{
		{Name: "chainId", Type: uint256Type},
		{Name: "vault", Type: addressType},
		{Name: "borrowAsset", Type: addressType},
		{Name: "borrowAmount", Type: uint256Type},
		{Name: "payee", Type: addressType},
		{Name: "expiresAt", Type: uint256Type},
		{Name: "nonce", Type: uint256Type},
	}
}

// PlanDigest 返回 keccak256(abi.encode(chainId, vault, borrowAsset, amount, payee, expiresAt, nonce))。
func PlanDigest(chainID *big.Int, vaultAddr common.Address, plan Plan) (common.Hash, error) {
	if chainID == nil {
		chainID = new(big.Int)
	}
	if plan.BorrowAmount == nil {
		return common.Hash{}, fmt.Errorf("plan amount is nil")
	}
	if plan.ExpiresAt < 0 {
		return common.Hash{}, fmt.Errorf("plan expiry is negative")
	}
	packed, err := planDigestArgs.Pack(
		chainID,
		vaultAddr,
		plan.BorrowAsset,
		plan.BorrowAmount.ToBig(),
		plan.Payee,
		big.NewInt(plan.ExpiresAt),
		new(big.Int).SetUint64(plan.Nonce),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode plan: %w", err)
	}
	return ethcrypto.Keccak256Hash(packed), nil
}

// SignPlan 使用验证方私钥按 EIP-191 个人消息格式签名计划摘要。
func SignPlan(key *ecdsa.PrivateKey, chainID *big.Int, vaultAddr common.Address, plan Plan) ([]byte, error) {
	digest, err := PlanDigest(chainID, vaultAddr, plan)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(digest.Bytes()), key)
	if err != nil {
		return nil, fmt.Errorf("sign plan: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverPlanSigner 从签名中恢复签名者地址，接受 v 为 0/1 或 27/28。
func RecoverPlanSigner(chainID *big.Int, vaultAddr common.Address, plan Plan) (common.Address, error) {
	if len(plan.Attestation) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("attestation must be %d bytes, got %d", ethcrypto.SignatureLength, len(plan.Attestation))
	}
	digest, err := PlanDigest(chainID, vaultAddr, plan)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, len(plan.Attestation))
	copy(sig, plan.Attestation)
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(digest.Bytes()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover attestation signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
