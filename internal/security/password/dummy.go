package password

// dummyPHC es un hash fijo precomputado con los parámetros Default.
// No corresponde a ninguna contraseña en uso.
const dummyPHC = "$argon2id$v=19$m=65536,t=3,p=1$AAAAAAAAAAAAAAAAAAAAAA$x9cbIhUqDnTyuHGaUWZQnbX1bMz1kUBcUGaqVzr0MEI"

// VerifyDummy ejecuta una verificación argon2id completa contra un hash fijo.
// Se llama cuando la cuenta no existe o no tiene identidad de password, para
// que la latencia de "usuario inexistente" no se distinga de "password mal".
// El resultado se descarta siempre.
func VerifyDummy(plain string) {
	_ = Verify(plain, dummyPHC)
}
