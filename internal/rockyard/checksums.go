package rockyard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// ChecksumStore maps a program and a release file name to the hex-encoded
// SHA-256 of that file.
type ChecksumStore map[ProgramKind]map[string]string

// Lookup returns the expected checksum of the release archive of kind at
// version for the current host.
func (s ChecksumStore) Lookup(kind ProgramKind, version string) (string, bool) {
	table, ok := releaseTables[kind]
	if !ok {
		return "", false
	}
	sum, ok := s[kind][table.fileName(version)]
	return sum, ok
}

// fileSHA256 hashes a file on disk.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 256*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyFile compares the SHA-256 of path against want.
func verifyFile(path, want string) error {
	got, err := fileSHA256(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", path, want, got)
	}
	return nil
}

var defaultChecksums = ChecksumStore{
	Lua: {
		"lua-5.1.1.tar.gz":       "c5daeed0a75d8e4dd2328b7c7a69888247868154acbda69110e97d4a6e17d1f0",
		"lua-5.1.2.tar.gz":       "5cf098c6fe68d3d2d9221904f1017ff0286e4a9cc166a1452a456df9b88b3d9e",
		"lua-5.1.3.tar.gz":       "6b5df2edaa5e02bf1a2d85e1442b2e329493b30b0c0780f77199d24f087d296d",
		"lua-5.1.4.tar.gz":       "b038e225eaf2a5b57c9bcc35cd13aa8c6c8288ef493d52970c9545074098af3a",
		"lua-5.1.5.tar.gz":       "2640fc56a795f29d28ef15e13c34a47e223960b0240e8cb0a82d9b0738695333",
		"lua-5.1.tar.gz":         "7f5bb9061eb3b9ba1e406a5aa68001a66cb82bac95748839dc02dd10048472c1",
		"lua-5.2.0.tar.gz":       "cabe379465aa8e388988073d59b69e76ba0025429d2c1da80821a252cdf6be0d",
		"lua-5.2.1.tar.gz":       "64304da87976133196f9e4c15250b70f444467b6ed80d7cfd7b3b982b5177be5",
		"lua-5.2.2.tar.gz":       "3fd67de3f5ed133bf312906082fa524545c6b9e1b952e8215ffbd27113f49f00",
		"lua-5.2.3.tar.gz":       "13c2fb97961381f7d06d5b5cea55b743c163800896fd5c5e2356201d3619002d",
		"lua-5.2.4.tar.gz":       "b9e2e4aad6789b3b63a056d442f7b39f0ecfca3ae0f1fc0ae4e9614401b69f4b",
		"lua-5.3.0.tar.gz":       "ae4a5eb2d660515eb191bfe3e061f2b8ffe94dce73d32cfd0de090ddcc0ddb01",
		"lua-5.3.1.tar.gz":       "072767aad6cc2e62044a66e8562f51770d941e972dc1e4068ba719cd8bffac17",
		"lua-5.3.2.tar.gz":       "c740c7bb23a936944e1cc63b7c3c5351a8976d7867c5252c8854f7b2af9da68f",
		"lua-5.3.3.tar.gz":       "5113c06884f7de453ce57702abaac1d618307f33f6789fa870e87a59d772aca2",
		"lua-5.3.4.tar.gz":       "f681aa518233bc407e23acf0f5887c884f17436f000d453b2491a9f11a52400c",
		"lua-5.3.5.tar.gz":       "0c2eed3f960446e1a3e4b9a1ca2f3ff893b6ce41942cf54d5dd59ab4b3b058ac",
		"lua-5.4.0-work1.tar.gz": "ada03980481110bfde44b3bd44bde4b03d72c84318b34d657b5b5a91ddb3912c",
		"lua-5.4.0-work2.tar.gz": "68b7e8f1ff561b9a7e1c29de26ff99ac2a704773c0965a4fe1800b7657d5a057",
	},
	LuaJIT: {
		"LuaJIT-2.0.0.tar.gz":       "778650811bdd9fc55bbb6a0e845e4c0101001ce5ca1ab95001f0d289c61760ab",
		"LuaJIT-2.0.1-fixed.tar.gz": "d33e91f347c0d79aa4fb1bd835df282a25f7ef9c3395928a1183947667c2d6b2",
		"LuaJIT-2.0.2.tar.gz":       "7cf1bdcd89452f64ed994cff85ae32613a876543a81a88939155266558a669bc",
		"LuaJIT-2.0.3.tar.gz":       "8da3d984495a11ba1bce9a833ba60e18b532ca0641e7d90d97fafe85ff014baa",
		"LuaJIT-2.0.4.tar.gz":       "d2abdf16bd3556c41c0aaedad76b6c227ca667be8350111d037a4c54fd43abad",
		"LuaJIT-2.0.5.tar.gz":       "8bb29d84f06eb23c7ea4aa4794dbb248ede9fcb23b6989cbef81dc79352afc97",
		"LuaJIT-2.1.0-beta1.tar.gz": "3d10de34d8020d7035193013f07c93fc7f16fcf0bb28fc03f572a21a368a5f2a",
		"LuaJIT-2.1.0-beta2.tar.gz": "82e115b21aa74634b2d9f3cb3164c21f3cde7750ba3258d8820f500f6a36b651",
		"LuaJIT-2.1.0-beta3.tar.gz": "409f7fe570d3c16558e594421c47bdd130238323c9d6fd6c83dedd2aaeb082a8",
	},
	LuaRocks: {
		"luarocks-2.0.10-win32.zip": "bc00dbc80da6939f372bace50ea68d1746111280862858ecef9fcaaa3d70661f",
		"luarocks-2.0.10.tar.gz":    "11731dfe6e210a962cb2a857b8b2f14a9ab1043e13af09a1b9455b486401b46e",
		"luarocks-2.0.11-win32.zip": "b0c2c149da49d70972178e3aec0a92a678b3daa2993dd6d6cdd56269730f8e12",
		"luarocks-2.0.11.tar.gz":    "feee5a606938604f4fef1fdadc29692b9b7cdfb76fa537908d772adfb927741e",
		"luarocks-2.0.12-win32.zip": "dfb7c7429541628903ec811f151ea19435d2182a9515db57542f6825802a1ae7",
		"luarocks-2.0.12.tar.gz":    "ad4b465c5dfbdce436ef746a434317110d79f18ff79202a2697e215f4ac407ed",
		"luarocks-2.0.13-win32.zip": "8d867ced0f47ee1d5a9c4c3ef7f4969ae91f4a817b8755bb9595168b20398740",
		"luarocks-2.0.13.tar.gz":    "17db43664b555a467af74c91778d7e70937398da4325e3f88740621204a559a6",
		"luarocks-2.0.8-win32.zip":  "109e2dd91c66a7fd69471fcd56b3276f57aef334a4a8f53776b94b1ebd58334e",
		"luarocks-2.0.8.tar.gz":     "f8abf1ab03b744a817721a0ff4a0ee454e068735efaa8d1aadcfcd0f07cdaa88",
		"luarocks-2.0.9-win32.zip":  "c9389c288bac2c276e363ffbaaa6356119adefed243f0c47bf74611f9296bd94",
		"luarocks-2.0.9.tar.gz":     "4e25a8052c6abe1685da1093e1adb59aa034106c9d335aa932f7b3b51297c63d",
		"luarocks-2.1.0-win32.zip":  "363ecc0d09b70179735eef0dae158f98733e6d34226d6b5243bcbdc50d5987ca",
		"luarocks-2.1.0.tar.gz":     "69bf4cb40c8010a5d434f70d26c9885f4260ac265fdaa848c0edb50cc8e53f88",
		"luarocks-2.1.1-win32.zip":  "5fa8eccc91c7c1431480257cb1cf99fff902cf762576e1cd208762f01003e780",
		"luarocks-2.1.1.tar.gz":     "995ba1b9c982b503fd6fc61c905dc07c3a7533c06587616d9f00d9f62bd318ac",
		"luarocks-2.1.2-win32.zip":  "66beb4318261bc3e91544ba8672f04f3057137d32b2c33275ab6a355a7b5a546",
		"luarocks-2.1.2.tar.gz":     "62625c7609c886bae23f8db55dba45dbb083bae0d19bf12fe29ec95f7d389ff3",
		"luarocks-2.2.0-win32.zip":  "0fb56f40f09352567c66318018b52b9fa9e055f318b8589abed24eb1e76a3def",
		"luarocks-2.2.0.tar.gz":     "9b1a4ec7b103e2fb90a7ba8589d7e0c8523a3d6d54ac469b0bbc144292b9279c",
		"luarocks-2.2.1-win32.zip":  "01b0410eb19f6e31342cbc12524f2e00eddfdf0bd9edcc325def7bcd93e331be",
		"luarocks-2.2.1.tar.gz":     "713f8a7e33f1e6dc77ba2eec849a80a95f24f82382e0abc4523c2b8d435f7c55",
		"luarocks-2.2.2-win32.zip":  "576721fb6fe224bbf5f60bd4c94c7c6f686889bb452ae1923a46d56f02df6588",
		"luarocks-2.2.2.tar.gz":     "4f0427706873f30d898aeb1dfb6001b8a3478e46a5249d015c061fe675a1f022",
		"luarocks-2.3.0-win32.zip":  "7aa02e7249906563a7ab8bb9db497cdeab0506328e4c8d45ffba120526dfec2a",
		"luarocks-2.3.0.tar.gz":     "68e38feeb66052e29ad1935a71b875194ed8b9c67c2223af5f4d4e3e2464ed97",
		"luarocks-2.4.0-win32.zip":  "13f92b46abc5d0362e2c3507f675b6d125b7c915680d48b62afa97b6b3e0f47a",
		"luarocks-2.4.0.tar.gz":     "44381c9128d036247d428531291d1ff9405ae1daa238581d3c15f96d899497c3",
		"luarocks-2.4.1-win32.zip":  "c6cf36ca2e03b1a910e4dde9ac5c9360dc16f3f7afe50a978213d26728f4c667",
		"luarocks-2.4.1.tar.gz":     "e429e0af9764bfd5cb640cac40f9d4ed1023fa17c052dff82ed0a41c05f3dcf9",
		"luarocks-2.4.2-win32.zip":  "63abc6f1240e0774f94bfe4150eaa5be06979c245db1dd5c8ddc4fb4570f7204",
		"luarocks-2.4.2.tar.gz":     "0e1ec34583e1b265e0fbafb64c8bd348705ad403fe85967fd05d3a659f74d2e5",
		"luarocks-2.4.3-win32.zip":  "08821ec39e7c3ad20f5b3d3e118ba8f1f5a7db6e6ad22e11eb5e8a2bdc95cbfb",
		"luarocks-2.4.3.tar.gz":     "4d414d32fed5bb121c72d3ff1280b7f2dc9027a9bc012e41dfbffd5b519b362e",
		"luarocks-2.4.4-win32.zip":  "763d2fbe301b5f941dd5ea4aea485fb35e75cbbdceca8cc2f18726b75f9895c1",
		"luarocks-2.4.4.tar.gz":     "3938df33de33752ff2c526e604410af3dceb4b7ff06a770bc4a240de80a1f934",
		"luarocks-3.0.0-win32.zip":  "f5c6070f49f78ef61a2e5d6de353b34ef691ad4a6b45e065d5c85701a4a3a981",
		"luarocks-3.0.0.tar.gz":     "a43fffb997100f11cccb529a3db5456ce8dab18171a5cb3645f948147b6f64a1",
		"luarocks-3.0.1-win32.zip":  "af54263b8f71406d79556c880f3e2674e6690934a69cefbbdfd18710f05eeeaf",
		"luarocks-3.0.1.tar.gz":     "b989c4b60d6c9edcd65169e5e42fcffbd39cdbebe6b138fa5aea45102f8d9ec0",
		"luarocks-3.0.2-win32.zip":  "c9e93d7198f9ae7add331675d3d84fa1b61feb851814ee2a89b9930bd651bfb9",
		"luarocks-3.0.2.tar.gz":     "3836267eff2f85fb552234e966602b1e649c58f81f47c7de3785e071c8127f5a",
	},
}

// forFile finds the checksum of a release file name across all programs.
func (s ChecksumStore) forFile(name string) (string, bool) {
	for _, table := range s {
		if sum, ok := table[name]; ok {
			return sum, true
		}
	}
	return "", false
}
